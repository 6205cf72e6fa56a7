// Package session holds the bearer token of the signed-in user and answers
// whether the session is currently authenticated.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"
)

// Common errors
var (
	// ErrInvalidToken is returned when a token cannot be parsed or fails verification.
	ErrInvalidToken = errors.New("invalid session token")

	// ErrExpiredToken is returned when a token is already past its expiry.
	ErrExpiredToken = errors.New("session token has expired")
)

// Config holds session settings.
type Config struct {
	// Token is an optional initial bearer token.
	Token string `mapstructure:"token"`

	// Secret, when set, makes SetToken verify HS256 signatures. Without it the
	// token is only decoded, since the job server is the one that enforces it.
	Secret string `mapstructure:"secret" validate:"omitempty,min=32"`

	// ClockSkew is the leeway applied to the expiry check.
	ClockSkew time.Duration `mapstructure:"clock_skew" validate:"gte=0"`
}

// Claims are the parts of the token the tracker cares about.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// Session is safe for concurrent use.
type Session struct {
	mu     sync.RWMutex
	token  string
	claims Claims

	secret []byte
	skew   time.Duration
	clock  clock.PassiveClock
	logger *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for expiry checks.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Session) { s.clock = c }
}

// New creates a Session. An initial token in cfg is applied immediately.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Session, error) {
	s := &Session{
		skew:   cfg.ClockSkew,
		clock:  clock.RealClock{},
		logger: logger.With("component", "session"),
	}
	if cfg.Secret != "" {
		s.secret = []byte(cfg.Secret)
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Token != "" {
		if _, err := s.SetToken(cfg.Token); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetToken replaces the current token and returns its claims. An empty token
// signs the session out.
func (s *Session) SetToken(token string) (Claims, error) {
	if token == "" {
		s.Clear()
		return Claims{}, nil
	}

	claims, err := s.parse(token)
	if err != nil {
		return Claims{}, err
	}
	if !claims.ExpiresAt.IsZero() && !s.clock.Now().Before(claims.ExpiresAt.Add(s.skew)) {
		return Claims{}, ErrExpiredToken
	}

	s.mu.Lock()
	s.token = token
	s.claims = claims
	s.mu.Unlock()

	s.logger.Info("session token set", "subject", claims.Subject, "expires_at", claims.ExpiresAt)
	return claims, nil
}

// Clear signs the session out.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.claims = Claims{}
	s.mu.Unlock()
}

// Token returns the bearer token, or "" when the session is not authenticated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.validLocked() {
		return ""
	}
	return s.token
}

// Authenticated reports whether a non-expired token is present.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

// Claims returns the claims of the current token.
func (s *Session) Claims() Claims {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims
}

// Subject returns the subject of the current token.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.Subject
}

func (s *Session) validLocked() bool {
	if s.token == "" {
		return false
	}
	if s.claims.ExpiresAt.IsZero() {
		return true
	}
	return s.clock.Now().Before(s.claims.ExpiresAt.Add(s.skew))
}

func (s *Session) parse(token string) (Claims, error) {
	registered := &jwt.RegisteredClaims{}

	if s.secret == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(token, registered); err != nil {
			return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	} else {
		// Expiry is checked by the caller against the injected clock
		_, err := jwt.ParseWithClaims(token, registered, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithoutClaimsValidation())
		if err != nil {
			return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}

	claims := Claims{Subject: registered.Subject}
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time
	}
	return claims, nil
}
