// Package auth authenticates operators of the HTTP API and controller API keys.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/remotectl/hub/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrLoginUnsupported   = errors.New("login not supported by this provider")
)

// APIKeyPrefix starts every generated controller API key.
const APIKeyPrefix = "rc_"

// apiKeyDisplayLen is how much of a key is kept for display.
const apiKeyDisplayLen = 10

// Identity is an authenticated operator.
type Identity struct {
	Subject  string
	Username string
	Role     string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// LoginProvider is implemented by providers that issue their own tokens.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// Claims represents the JWT token claims.
type Claims struct {
	Username string `json:"usr"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Service is the builtin provider: one configured admin account and
// HS256 tokens signed with the hub secret.
type Service struct {
	jwtSecret []byte
	jwtExpiry time.Duration
	admin     *config.AdminEntry
	now       func() time.Time
}

// NewService creates a builtin auth service.
func NewService(cfg config.AuthConfig) *Service {
	return &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
		admin:     cfg.Admin,
		now:       time.Now,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Login checks the admin credentials and returns a signed token.
func (s *Service) Login(_ context.Context, username, password string) (string, error) {
	if s.admin == nil || username != s.admin.Username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.admin.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(username, "admin")
}

// IssueToken signs a token for username with the configured expiry.
func (s *Service) IssueToken(username, role string) (string, error) {
	now := s.now()
	claims := &Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: claims.Subject, Username: claims.Username, Role: claims.Role}, nil
}

// HashPassword returns the bcrypt hash stored in auth.admin.password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// HashAPIKey returns the stored form of a controller API key. Keys are
// random, so a plain SHA-256 is enough and keeps lookup indexable.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a new controller API key and its display prefix.
func GenerateAPIKey() (key, prefix string, err error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = APIKeyPrefix + hex.EncodeToString(b)
	return key, key[:apiKeyDisplayLen], nil
}
