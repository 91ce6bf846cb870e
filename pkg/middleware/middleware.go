package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/pkg/response"
	"golang.org/x/time/rate"
)

// RateLimits are requests per minute by route family. Zero disables the
// limit for that family.
type RateLimits struct {
	Auth     float64
	Trading  float64
	Read     float64
	Internal float64
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and route. A client is the
// API key behind a valid bearer token, otherwise the remote IP.
type RateLimiter struct {
	limits    RateLimits
	validator TokenValidator
	now       func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter builds a limiter. validator may be nil when auth is off.
func NewRateLimiter(limits RateLimits, validator TokenValidator) *RateLimiter {
	return &RateLimiter{
		limits:    limits,
		validator: validator,
		now:       time.Now,
		visitors:  make(map[string]*visitor),
	}
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func burst(n float64) int {
	if n < 60 {
		return 1
	}
	return int(n / 60)
}

func (rl *RateLimiter) limitFor(method, path string) (rate.Limit, int) {
	var n float64
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		n = rl.limits.Auth
	case strings.HasPrefix(path, "/api/v1/internal"):
		n = rl.limits.Internal
	case strings.HasPrefix(path, "/api/v1/orders") && method != "GET":
		n = rl.limits.Trading
	case strings.HasPrefix(path, "/api/v1/orders"), strings.HasPrefix(path, "/api/v1/positions"):
		n = rl.limits.Read
	default:
		return rate.Inf, 1
	}
	return perMinute(n), burst(n)
}

func (rl *RateLimiter) getLimiter(method, path, client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := client + ":" + method + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		limit, b := rl.limitFor(method, path)
		v = &visitor{limiter: rate.NewLimiter(limit, b)}
		rl.visitors[key] = v
	}
	v.lastSeen = rl.now()
	return v.limiter
}

// Cleanup forgets idle visitors every minute until ctx is cancelled.
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle(3 * time.Minute)
		}
	}
}

func (rl *RateLimiter) evictIdle(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > maxIdle {
			delete(rl.visitors, key)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.Request.Method, c.FullPath(), rl.clientKey(c))
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			return
		}

		c.Next()
	}
}

// clientKey runs ahead of authentication, so it reads the bearer token itself.
func (rl *RateLimiter) clientKey(c *gin.Context) string {
	if rl.validator != nil {
		if token, ok := bearerToken(c.GetHeader("Authorization")); ok {
			if claims, err := rl.validator.ValidateToken(token); err == nil {
				return "client:" + claims.ClientID
			}
		}
	}
	return "ip:" + c.ClientIP()
}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// JWTAuth requires a valid bearer token.
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, validator)
		if !ok {
			return
		}
		auth.SetClaims(c, claims)
		c.Next()
	}
}

// InternalAuth requires a valid bearer token carrying the internal permission.
func InternalAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := authenticate(c, validator)
		if !ok {
			return
		}
		if !claims.HasPermission(auth.PermissionInternal) {
			response.Forbidden(c, "Internal permission required")
			return
		}
		auth.SetClaims(c, claims)
		c.Next()
	}
}

// StreamAuth requires a valid token for websocket upgrades. Browsers cannot
// set headers on a websocket handshake, so the token may also arrive as the
// access_token query parameter.
func StreamAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			if token := c.Query("access_token"); token != "" {
				claims, err := validator.ValidateToken(token)
				if err != nil {
					response.Unauthorized(c, "Invalid token")
					return
				}
				auth.SetClaims(c, claims)
				c.Next()
				return
			}
		}
		JWTAuth(validator)(c)
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return parts[1], true
}

func authenticate(c *gin.Context, validator TokenValidator) (*auth.Claims, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		return nil, false
	}

	token, ok := bearerToken(authHeader)
	if !ok {
		response.Unauthorized(c, "Invalid authorization header format")
		return nil, false
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		return nil, false
	}
	return claims, true
}
