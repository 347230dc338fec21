// Package service holds the gateway's credential checks. Session
// initialization is two-factor: a service-level JWT proves the caller is a
// trusted client of this gateway, and a per-user API key resolved from the
// directory store identifies the user.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/manifoldmcp/manifold/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrKeyRevoked         = errors.New("api key revoked")
)

// KeyPrincipal is the identity resolved from a valid API key.
type KeyPrincipal struct {
	KeyID     int64
	UserID    string
	KeyPrefix string
}

// ServicePrincipal is the identity carried by a valid service token.
type ServicePrincipal struct {
	Subject string
}

// AuthService validates the two session-initialization factors.
type AuthService struct {
	store     *store.Store
	jwtSecret []byte
}

// NewAuthService creates an AuthService over the directory store.
func NewAuthService(st *store.Store, jwtSecret string) *AuthService {
	return &AuthService{
		store:     st,
		jwtSecret: []byte(jwtSecret),
	}
}

// ValidateAPIKey checks the provided raw API key against stored key hashes
// and returns the owning user.
func (s *AuthService) ValidateAPIKey(ctx context.Context, rawKey string) (*KeyPrincipal, error) {
	hash := store.HashAPIKey(rawKey)

	key, err := s.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !key.IsActive {
		return nil, ErrKeyRevoked
	}

	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrTokenExpired
	}

	// Update last used timestamp (fire and forget)
	go s.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)

	return &KeyPrincipal{
		KeyID:     key.ID,
		UserID:    key.UserID,
		KeyPrefix: key.KeyPrefix,
	}, nil
}

// ValidateServiceToken verifies the shared-secret JWT that marks the caller
// as a trusted gateway client.
func (s *AuthService) ValidateServiceToken(ctx context.Context, tokenStr string) (*ServicePrincipal, error) {
	claims := &serviceClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &ServicePrincipal{Subject: claims.Subject}, nil
}

// IssueServiceToken creates a new signed service token for the given
// subject (typically a client application name).
func (s *AuthService) IssueServiceToken(ctx context.Context, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "manifold",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// Authorize runs the full two-factor check for session initialization.
func (s *AuthService) Authorize(ctx context.Context, serviceToken, rawKey string) (*KeyPrincipal, error) {
	if _, err := s.ValidateServiceToken(ctx, serviceToken); err != nil {
		return nil, err
	}
	return s.ValidateAPIKey(ctx, rawKey)
}

type serviceClaims struct {
	jwt.RegisteredClaims
}
