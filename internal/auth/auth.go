package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	tokenHeader        = "token"
	tokenCookie        = "token"
	tokenQuery         = "token"
)

var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return fmt.Errorf("%w: token expiry must not be negative", models.ErrValidation)
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

// Sessions maps opaque bearer tokens to user ids. Tokens live in memory and
// expire after Config.TokenExpiry; a restart logs everybody out.
type Sessions struct {
	Config
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewSessions(ctx context.Context, config Config) (*Sessions, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Sessions{
		Config:     config,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Issue creates a new token for userID. Older tokens of the same user stay valid.
func (s *Sessions) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	token, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	s.liveTokens.Set(token, userID)
	return token, s.now().Add(s.TokenExpiry), nil
}

func (s *Sessions) UserID(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	userID, err := s.liveTokens.Get(token)
	if err != nil {
		return "", ErrUnauthorized
	}
	return userID, nil
}

func (s *Sessions) Revoke(token string) error {
	return s.liveTokens.Del(token)
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// the token header, the token cookie or the token query parameter, in that order.
// Browsers cannot set headers on websocket upgrades, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get(tokenHeader); token != "" {
		return token
	}
	if cookie, err := r.Cookie(tokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(tokenQuery)
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
