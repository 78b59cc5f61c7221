// Package token decodes the bearer tokens issued by the backend.
//
// A token has three dot-separated base64url segments: the identity, the
// expiry timestamp and a signature. Standard JWTs are also accepted, in
// which case identity and expiry come from the "sub" and "exp" claims.
// The client never verifies signatures; it only needs identity and expiry
// to decide whether a stored token is worth sending.
package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/datetime"
)

// DefaultExpiryThreshold is how close to expiry a token counts as expiring soon.
const DefaultExpiryThreshold = 5 * time.Minute

var (
	ErrMalformed     = errors.New("malformed token")
	ErrPlaceholder   = errors.New("placeholder token")
	ErrInvalidExpiry = errors.New("token expiry is not a valid timestamp")
)

// Claims is what the client can learn from a token without the signing key.
type Claims struct {
	Identity string
	Expiry   time.Time
}

// Codec decodes and checks tokens against a clock.
type Codec struct {
	clock clock.Clock
	loc   *time.Location
}

type Option func(*Codec)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(codec *Codec) { codec.clock = c }
}

// WithLocation sets the zone used for expiry timestamps without an offset.
func WithLocation(loc *time.Location) Option {
	return func(codec *Codec) { codec.loc = loc }
}

func NewCodec(opts ...Option) *Codec {
	c := &Codec{clock: clock.Real{}, loc: time.UTC}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsPlaceholder reports whether tok is a development stand-in token.
func IsPlaceholder(tok string) bool {
	return tok == "mock-token" || strings.HasPrefix(tok, "mock-")
}

// WellFormed reports whether tok has the shape of a real token. It does not
// look at the expiry.
func (c *Codec) WellFormed(tok string) bool {
	if tok == "" || IsPlaceholder(tok) {
		return false
	}
	return len(strings.Split(tok, ".")) == 3
}

// Decode extracts identity and expiry from tok.
func (c *Codec) Decode(tok string) (*Claims, error) {
	if IsPlaceholder(tok) {
		return nil, ErrPlaceholder
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	if strings.HasPrefix(strings.TrimSpace(string(payload)), "{") {
		return decodeJWT(tok)
	}

	ident, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrMalformed
	}
	exp, err := datetime.Parse(string(payload), c.loc)
	if err != nil {
		return nil, ErrInvalidExpiry
	}
	return &Claims{Identity: string(ident), Expiry: exp}, nil
}

// IsValid reports whether tok decodes and has not expired.
func (c *Codec) IsValid(tok string) bool {
	if tok == "" {
		return false
	}
	claims, err := c.Decode(tok)
	if err != nil {
		return false
	}
	return claims.Expiry.After(c.clock.Now())
}

// RemainingSeconds returns the whole seconds left before tok expires, or 0.
func (c *Codec) RemainingSeconds(tok string) int {
	claims, err := c.Decode(tok)
	if err != nil {
		return 0
	}
	remaining := claims.Expiry.Sub(c.clock.Now())
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Second)
}

// ExpiringSoon reports whether tok is still valid but expires within threshold.
func (c *Codec) ExpiringSoon(tok string, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultExpiryThreshold
	}
	remaining := c.RemainingSeconds(tok)
	return remaining > 0 && time.Duration(remaining)*time.Second < threshold
}

func decodeJWT(tok string) (*Claims, error) {
	var rc jwtlib.RegisteredClaims
	if _, _, err := jwtlib.NewParser().ParseUnverified(tok, &rc); err != nil {
		return nil, ErrMalformed
	}
	if rc.ExpiresAt == nil {
		return nil, ErrInvalidExpiry
	}
	return &Claims{Identity: rc.Subject, Expiry: rc.ExpiresAt.Time}, nil
}

func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
