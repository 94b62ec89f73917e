package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
)

// sessionClaims binds a session id and absolute expiry into a signed token.
type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies opaque session tokens. The token is only a
// pointer into the session store: the store still rejects inactive or
// expired sessions even when the signature checks out.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates a token issuer. The secret is required; Clock defaults
// to time.Now and exists so the store and issuer can share a clock in
// tests.
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, apperr.New(apperr.CodeConfiguration, "JWT secret is not configured")
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

// WithClock overrides the issuer's clock source.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue signs a token binding sessionID to an absolute expiry.
func (i *Issuer) Issue(sessionID string, expiresAt time.Time) (string, error) {
	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(i.now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeInternal, "failed to sign session token")
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the bound session id and
// expiry. Failures carry the auth codes from the error taxonomy.
func (i *Issuer) Verify(tokenString string) (string, time.Time, error) {
	if tokenString == "" {
		return "", time.Time{}, apperr.New(apperr.CodeNoSessionToken, "no session token provided")
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithValidMethods([]string{"HS256"}))

	switch {
	case err == nil && token.Valid && claims.SessionID != "":
		return claims.SessionID, claims.ExpiresAt.Time, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", time.Time{}, apperr.New(apperr.CodeSessionExpired, "session token expired")
	default:
		return "", time.Time{}, apperr.Wrap(err, apperr.CodeInvalidSession, "invalid session token")
	}
}
