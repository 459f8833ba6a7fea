// ABOUTME: Bucket token wire format: base64url(userID;timestamp;context;signature)
// ABOUTME: Issues signed tokens and decodes/validates them into bucket keys

package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-presence/internal/signer"
)

const (
	// Separator delimits token fields. User IDs must not contain it.
	Separator = ";"

	// KeySeparator joins user ID and context into a bucket key.
	KeySeparator = "-"

	// partCount is the number of fields in a decoded token.
	partCount = 4
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

var encoding = base64.RawURLEncoding

// Token is the decoded, validated content of a bucket token.
type Token struct {
	UserID    string
	Timestamp time.Time
	Context   string
	Signature string
}

// BucketKey returns the registry key for the token's (user, context) pair.
// Tokens minted at different times for the same pair share a key.
func (t *Token) BucketKey() string {
	return BucketKey(t.UserID, t.Context)
}

// BucketKey builds a registry key from a user ID and context.
func BucketKey(userID, context string) string {
	return userID + KeySeparator + context
}

// Codec issues and validates bucket tokens.
type Codec struct {
	signer signer.Signer
	now    func() time.Time
	maxAge time.Duration
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for timestamps and max-age checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// WithMaxAge rejects tokens whose timestamp is further than d from now.
// Zero disables the check, which is the default: tokens do not expire and
// only rotating the signing key revokes them.
func WithMaxAge(d time.Duration) Option {
	return func(c *Codec) {
		c.maxAge = d
	}
}

// NewCodec creates a Codec that signs with s.
func NewCodec(s signer.Signer, opts ...Option) *Codec {
	c := &Codec{
		signer: s,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue mints a token for userID in context.
// Separator characters in userID are not rejected here; such tokens fail
// to decode later.
func (c *Codec) Issue(userID, context string) (string, error) {
	ts := strconv.FormatInt(c.now().UnixMilli(), 16)
	payload := userID + Separator + ts + Separator + context

	sig, err := c.signer.Sign([]byte(payload))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return encoding.EncodeToString([]byte(payload + Separator + sig)), nil
}

// Decode validates a token and returns its fields.
// Any structural or signature problem yields an error matching ErrInvalidToken.
// Signer failures unrelated to the token's contents are returned as is.
func (c *Codec) Decode(tok string) (*Token, error) {
	raw, err := encoding.DecodeString(strings.TrimRight(tok, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrInvalidToken)
	}

	parts, ok := splitToken(string(raw))
	if !ok {
		return nil, fmt.Errorf("%w: want %d fields", ErrInvalidToken, partCount)
	}

	payload := parts[0] + Separator + parts[1] + Separator + parts[2]
	if err := c.signer.Verify([]byte(payload), parts[3]); err != nil {
		if errors.Is(err, signer.ErrSignatureMismatch) {
			return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
		}
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	ms, err := strconv.ParseInt(parts[1], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrInvalidToken)
	}
	issued := time.UnixMilli(ms)

	if c.maxAge > 0 {
		age := c.now().Sub(issued)
		if age > c.maxAge || age < -c.maxAge {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, ErrExpiredToken)
		}
	}

	return &Token{
		UserID:    parts[0],
		Timestamp: issued,
		Context:   parts[2],
		Signature: parts[3],
	}, nil
}

// BucketKey validates tok and returns its bucket key.
func (c *Codec) BucketKey(tok string) (string, error) {
	t, err := c.Decode(tok)
	if err != nil {
		return "", err
	}
	return t.BucketKey(), nil
}

// splitToken splits a decoded token into user, timestamp, context and signature.
// The split is bounded, so any extra separator lands in the signature field
// and the token fails verification.
func splitToken(s string) ([partCount]string, bool) {
	var parts [partCount]string

	fields := strings.SplitN(s, Separator, partCount)
	if len(fields) != partCount {
		return parts, false
	}

	copy(parts[:], fields)
	return parts, true
}
