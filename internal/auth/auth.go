package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates a malformed token or a failed signature check.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// TokenValidator resolves an opaque token to a client identity. Failure is
// fatal to the connection attempt; the broker never inspects tokens itself.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (identity string, err error)
}

// HMACValidator validates compact JWT-style tokens signed with HS256. The
// token subject is the client identity.
type HMACValidator struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACValidator constructs a validator for the shared secret with the
// given clock skew allowance.
func NewHMACValidator(secret string, leeway time.Duration) (*HMACValidator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACValidator{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type tokenClaims struct {
	Subject string `json:"sub"`
	Expires int64  `json:"exp"`
	Issued  int64  `json:"iat"`
}

// Validate checks structure, signature and expiry, returning the subject.
func (v *HMACValidator) Validate(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	var header tokenHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return "", ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return "", ErrInvalidToken
	}

	expected := v.sign(parts[0] + "." + parts[1])
	signature, err := decodeSegment(parts[2])
	if err != nil {
		return "", ErrInvalidToken
	}
	if !hmac.Equal(signature, expected) {
		return "", ErrInvalidToken
	}

	claimBytes, err := decodeSegment(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(claimBytes, &claims); err != nil {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	if claims.Expires <= 0 {
		return "", ErrInvalidToken
	}
	if time.Unix(claims.Expires, 0).Add(v.leeway).Before(v.now()) {
		return "", ErrExpiredToken
	}

	return claims.Subject, nil
}

// Mint produces a signed token for the subject, valid for ttl. Used by the
// sign CLI and by tests.
func (v *HMACValidator) Mint(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject must not be empty")
	}

	now := v.now()
	headerBytes, err := json.Marshal(tokenHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	claimBytes, err := json.Marshal(tokenClaims{
		Subject: subject,
		Expires: now.Add(ttl).Unix(),
		Issued:  now.Unix(),
	})
	if err != nil {
		return "", err
	}

	unsigned := encodeSegment(headerBytes) + "." + encodeSegment(claimBytes)
	return unsigned + "." + encodeSegment(v.sign(unsigned)), nil
}

// WithClock overrides the validator clock for deterministic tests.
func (v *HMACValidator) WithClock(clock func() time.Time) {
	if clock != nil {
		v.now = clock
	}
}

func (v *HMACValidator) sign(payload string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

func encodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
