package trading

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/retry"
	"github.com/rs/zerolog/log"
)

// ProcessorOptions tunes the background processor.
type ProcessorOptions struct {
	Interval time.Duration
	// ReplayGrace skips fills recorded too recently to have been missed.
	ReplayGrace time.Duration
	BatchSize   int
	Location    *time.Location
}

// Processor replays fills the ledger never acknowledged and expires DAY
// orders left over from a previous session.
type Processor struct {
	service *Service
	store   OrderStore
	policy  retry.Policy
	opts    ProcessorOptions
	now     func() time.Time
}

func NewProcessor(service *Service, store OrderStore, policy retry.Policy, opts ProcessorOptions) *Processor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ReplayGrace <= 0 {
		opts.ReplayGrace = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Processor{
		service: service,
		store:   store,
		policy:  policy,
		opts:    opts,
		now:     time.Now,
	}
}

// Start runs the processing loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "lifecycle_processor").Logger()
	logger.Info().Dur("interval", p.opts.Interval).Msg("starting lifecycle processor")

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down lifecycle processor")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single replay and expiry pass.
func (p *Processor) RunOnce(ctx context.Context) {
	logger := log.With().Str("component", "lifecycle_processor").Logger()

	if n, err := p.ReplayUnappliedFills(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to replay unapplied fills")
	} else if n > 0 {
		logger.Info().Int("replayed", n).Msg("replayed unapplied fills")
	}

	if failed, err := p.store.FailedFills(ctx, p.opts.BatchSize); err != nil {
		logger.Error().Err(err).Msg("failed to list refused fills")
	} else if len(failed) > 0 {
		logger.Warn().
			Int("count", len(failed)).
			Str("oldest_fill_id", failed[0].FillID).
			Msg("fills refused by the ledger await operator review")
	}

	if n, err := p.ExpireDayOrders(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to expire day orders")
	} else if n > 0 {
		logger.Info().Int("expired", n).Msg("expired day orders")
	}
}

// ReplayUnappliedFills delivers fills older than the grace period that the
// ledger never acknowledged. Refused fills are held back and reported. It
// returns how many were delivered.
func (p *Processor) ReplayUnappliedFills(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "lifecycle_processor").Logger()
	cutoff := p.now().Add(-p.opts.ReplayGrace)

	var fills []types.Fill
	err := retry.Do(ctx, p.policy, "list unapplied fills", func(ctx context.Context) error {
		var err error
		fills, err = p.store.UnappliedFills(ctx, cutoff, p.opts.BatchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	// Fills replay per order so each order's fills reach the ledger in the
	// order they were recorded.
	seen := make(map[string]bool)
	replayed := 0
	for _, fill := range fills {
		if seen[fill.OrderID] {
			continue
		}
		seen[fill.OrderID] = true

		n, err := p.service.replayOrder(ctx, fill.OrderID)
		replayed += n
		if err != nil {
			logger.Error().
				Err(err).
				Str("order_id", fill.OrderID).
				Msg("failed to replay fills")
		}
	}
	return replayed, nil
}

// ExpireDayOrders cancels working DAY orders created before the start of the
// current session day. It returns how many were expired.
func (p *Processor) ExpireDayOrders(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "lifecycle_processor").Logger()
	cutoff := SessionStart(p.now(), p.opts.Location)

	var orders []types.Order
	err := retry.Do(ctx, p.policy, "list open day orders", func(ctx context.Context) error {
		var err error
		orders, err = p.store.OpenDayOrders(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, order := range orders {
		_, err := p.service.ExpireOrder(ctx, order.OrderID, cutoff)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, types.ErrOrderNotCancellable), errors.Is(err, errNotExpired):
			// filled or amended since it was listed
		default:
			logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to expire order")
		}
	}
	return expired, nil
}

// SessionStart returns midnight of t's calendar day in loc.
func SessionStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
