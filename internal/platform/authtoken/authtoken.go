// Package authtoken verifies and issues the HS256 bearer tokens that identify
// users on the realtime socket and the streak API.
package authtoken

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/embers/internal/platform/errors"
)

// Failure reasons carried in error metadata under "Reason".
const (
	ReasonMissing = "missing"
	ReasonExpired = "expired"
	ReasonInvalid = "invalid"
)

// Claims are the validated identity claims of one token.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// Verifier validates tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier builds a verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string, now func() time.Time) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: now}, nil
}

// Authenticate validates raw and returns its claims. The user id comes from
// "sub", falling back to "user_id". Tokens without "exp" are rejected.
func (v *Verifier) Authenticate(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, failure(ReasonMissing, "auth token is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, failure(ReasonExpired, "auth token is expired")
		}
		return Claims{}, failure(ReasonInvalid, "auth token is invalid")
	}

	userID := strings.TrimSpace(parsed.Subject)
	if userID == "" {
		userID = strings.TrimSpace(parsed.UserID)
	}
	if userID == "" {
		return Claims{}, failure(ReasonInvalid, "auth token has no subject")
	}
	return Claims{UserID: userID, ExpiresAt: parsed.ExpiresAt.Time.UTC()}, nil
}

// Issue signs a token for userID valid for ttl.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := v.now().UTC()
	claims := tokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Reason extracts the failure reason of an Authenticate error.
func Reason(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Metadata["Reason"] != "" {
		return appErr.Metadata["Reason"]
	}
	return ReasonInvalid
}

func failure(reason, message string) error {
	return apperrors.WithMetadata(apperrors.CodeUnauthenticated, message, map[string]string{"Reason": reason})
}
