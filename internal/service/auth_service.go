package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// TokenType distinguishes student vs admin tokens.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
	TokenTypeAdmin   TokenType = "admin"
)

// Claims is the payload the exam server signs into auth tokens.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	UserID    int       `json:"user_id"`
	ClassID   int       `json:"class_id,omitempty"`
}

// Authenticator is the part of the exam API that issues and carries tokens.
type Authenticator interface {
	Login(ctx context.Context, nisn, password string) (string, error)
	SetAuthToken(token string)
}

// AuthService obtains the student token and inspects it before an attempt
// starts. The agent has no signing key, so claims are read unverified; the
// exam server remains the authority on validity.
type AuthService struct {
	client Authenticator
	clock  clock.PassiveClock
	parser *jwt.Parser
	log    zerolog.Logger

	mu    sync.RWMutex
	token string
}

// NewAuthService creates a new AuthService.
func NewAuthService(client Authenticator, clk clock.PassiveClock, log zerolog.Logger) *AuthService {
	return &AuthService{
		client: client,
		clock:  clk,
		parser: jwt.NewParser(jwt.WithoutClaimsValidation()),
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// Login exchanges NISN and password for a token and installs it.
func (s *AuthService) Login(ctx context.Context, nisn, password string) (*Claims, error) {
	token, err := s.client.Login(ctx, nisn, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return s.UseToken(token)
}

// UseToken installs a token obtained elsewhere (PROCTOR_AUTH_TOKEN).
func (s *AuthService) UseToken(token string) (*Claims, error) {
	claims, err := s.Inspect(token)
	if err != nil {
		return nil, err
	}
	s.client.SetAuthToken(token)
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	ev := s.log.Info().Int("user_id", claims.UserID)
	if claims.ExpiresAt != nil {
		ev = ev.Time("expires_at", claims.ExpiresAt.Time)
	}
	ev.Msg("Student token installed")
	return claims, nil
}

// Token returns the installed token; the push channel presents it too.
func (s *AuthService) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Inspect decodes the token claims and rejects expired or non-student tokens.
func (s *AuthService) Inspect(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := s.parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.TokenType != "" && claims.TokenType != TokenTypeStudent {
		return nil, errors.New("token is not a student token")
	}
	if claims.ExpiresAt != nil && !s.clock.Now().Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}
