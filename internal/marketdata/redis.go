package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Redis reads prices published by an external feed under "price:<SYMBOL>".
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to addr and verifies the connection with a ping.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &Redis{client: client, prefix: "price:"}, nil
}

func (r *Redis) key(symbol string) string {
	return r.prefix + normalize(symbol)
}

func (r *Redis) Price(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	raw, err := r.client.Get(ctx, r.key(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("redis get %s: %w", r.key(symbol), err)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid price %q for %s: %w", raw, symbol, err)
	}
	return price, true, nil
}

// Publish stores a price, used by the internal price endpoint so other
// instances observe the same value.
func (r *Redis) Publish(ctx context.Context, symbol string, price decimal.Decimal) error {
	return r.client.Set(ctx, r.key(symbol), price.String(), 0).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
