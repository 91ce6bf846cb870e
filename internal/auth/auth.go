package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/response"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Permissions carried in tokens.
const (
	PermissionTrade    = "trade"
	PermissionInternal = "internal"
)

const defaultTokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure. A non-zero AccountID scopes
// the token to one trading account.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	AccountID   int64    `json:"account_id,omitempty"`
	Permissions []string `json:"permissions"`
}

// HasPermission reports whether the claims grant perm.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type apiCredential struct {
	secretHash  []byte
	accountID   int64
	permissions []string
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time

	mu             sync.RWMutex
	apiCredentials map[string]apiCredential
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		ttl:            ttl,
		now:            time.Now,
		apiCredentials: make(map[string]apiCredential),
	}
}

// RegisterAPICredentials stores a bcrypt hash of the secret for apiKey.
// With no permissions the key may only trade.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, accountID int64, permissions ...string) error {
	if apiKey == "" || apiSecret == "" {
		return fmt.Errorf("api key and secret are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiSecret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash api secret: %w", err)
	}
	if len(permissions) == 0 {
		permissions = []string{PermissionTrade}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = apiCredential{
		secretHash:  hash,
		accountID:   accountID,
		permissions: permissions,
	}
	return nil
}

// GenerateToken generates a JWT token for valid API credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	cred, exists := s.apiCredentials[creds.APIKey]
	s.mu.RUnlock()
	if !exists || bcrypt.CompareHashAndPassword(cred.secretHash, []byte(creds.APISecret)) != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   creds.APIKey,
		},
		ClientID:    creds.APIKey,
		AccountID:   cred.accountID,
		Permissions: cred.permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST /auth/token
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

const claimsKey = "claims"

// SetClaims stores validated claims on the request context.
func SetClaims(c *gin.Context, claims *Claims) {
	c.Set(claimsKey, claims)
}

// ScopeAccount resolves the account a request acts on. A token scoped to an
// account supplies it when none was requested and refuses any other. Without
// scoped claims the requested account passes through.
func ScopeAccount(c *gin.Context, requested int64) (int64, error) {
	claims, ok := ClaimsFromContext(c)
	if !ok || claims.AccountID == 0 {
		return requested, nil
	}
	if requested != 0 && requested != claims.AccountID {
		return 0, fmt.Errorf("%w: %d", types.ErrAccountForbidden, requested)
	}
	return claims.AccountID, nil
}

// ClaimsFromContext returns the claims stored by SetClaims.
func ClaimsFromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
