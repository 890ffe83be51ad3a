package jwt

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
)

// Claims represents JWT claims carried by the identity provider's tokens.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Type     string `json:"type"` // "id" or "access"
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Inspect decodes a token without verifying its signature. Clients use it
// to read the expiry and subject of credentials they did not sign.
func Inspect(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Issuer signs and validates HMAC tokens. The development backend uses it
// in place of the managed identity provider.
type Issuer struct {
	secret         []byte
	accessDuration time.Duration
	issuer         string

	revoked map[string]struct{} // token id -> revoked
	mu      sync.RWMutex
}

// NewIssuer creates a new Issuer.
func NewIssuer(secret string, accessDuration time.Duration, issuer string) *Issuer {
	return &Issuer{
		secret:         []byte(secret),
		accessDuration: accessDuration,
		issuer:         issuer,
		revoked:        make(map[string]struct{}),
	}
}

// Issue creates an id token and an access token for userID.
func (m *Issuer) Issue(userID, username string) (idToken, accessToken string, expiry time.Time, err error) {
	now := time.Now()
	expiry = now.Add(m.accessDuration)

	idToken, err = m.sign(&Claims{
		RegisteredClaims: m.registered(userID, now, expiry),
		UserID:           userID,
		Username:         username,
		Type:             "id",
	})
	if err != nil {
		return "", "", time.Time{}, err
	}

	accessToken, err = m.sign(&Claims{
		RegisteredClaims: m.registered(userID, now, expiry),
		UserID:           userID,
		Type:             "access",
	})
	if err != nil {
		return "", "", time.Time{}, err
	}

	return idToken, accessToken, expiry, nil
}

// Validate verifies an access token and returns its claims.
func (m *Issuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Type != "access" {
		return nil, ErrInvalidToken
	}

	m.mu.RLock()
	_, revoked := m.revoked[claims.ID]
	m.mu.RUnlock()
	if revoked {
		return nil, ErrRevokedToken
	}

	return claims, nil
}

// Revoke invalidates a previously issued access token.
func (m *Issuer) Revoke(tokenString string) error {
	claims, err := Inspect(tokenString)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[claims.ID] = struct{}{}
	return nil
}

func (m *Issuer) registered(subject string, now, expiry time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    m.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
}

func (m *Issuer) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}
