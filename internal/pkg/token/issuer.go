package token

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"stockdesk/internal/pkg/clock"
)

var ErrInvalidSignature = errors.New("invalid token signature")
var ErrExpired = errors.New("token expired")

// Issuer mints and verifies tokens in the backend format. Only the
// development backend holds an Issuer.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	codec      *Codec
	clock      clock.Clock
}

func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, c clock.Clock) *Issuer {
	if c == nil {
		c = clock.Real{}
	}
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		codec:      NewCodec(WithClock(c)),
		clock:      c,
	}
}

// AccessTTL is the lifetime of access tokens.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

func (i *Issuer) GenerateAccessToken(identity string) (string, error) {
	return i.generate(identity, i.accessTTL)
}

func (i *Issuer) GenerateRefreshToken(identity string) (string, error) {
	return i.generate(identity, i.refreshTTL)
}

func (i *Issuer) generate(identity string, ttl time.Duration) (string, error) {
	exp := i.clock.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
	signing := encodeSegment([]byte(identity)) + "." + encodeSegment([]byte(exp))

	sig, err := jwtlib.SigningMethodHS256.Sign(signing, i.secret)
	if err != nil {
		return "", err
	}
	return signing + "." + encodeSegment(sig), nil
}

// ValidateToken checks the signature and expiry of tok.
func (i *Issuer) ValidateToken(tok string) (*Claims, error) {
	idx := strings.LastIndex(tok, ".")
	if idx < 0 {
		return nil, ErrMalformed
	}
	sig, err := decodeSegment(tok[idx+1:])
	if err != nil {
		return nil, ErrMalformed
	}
	if err := jwtlib.SigningMethodHS256.Verify(tok[:idx], sig, i.secret); err != nil {
		return nil, ErrInvalidSignature
	}

	claims, err := i.codec.Decode(tok)
	if err != nil {
		return nil, err
	}
	if !claims.Expiry.After(i.clock.Now()) {
		return nil, ErrExpired
	}
	return claims, nil
}
