// ABOUTME: Keyed HMAC signer for bucket token payloads
// ABOUTME: Wraps golang-jwt HMAC signing methods with hex output and constant-time verify

package signer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length in bytes of generated and derived keys.
const KeySize = 32

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "HS256"

// Signer errors
var (
	ErrCryptoFailure     = errors.New("signing provider failure")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrUnknownAlgorithm  = errors.New("unknown signing algorithm")
)

// Signer signs messages and verifies signatures produced by Sign.
type Signer interface {
	Sign(message []byte) (string, error)
	Verify(message []byte, signature string) error
}

// HMACSigner implements Signer using an HMAC construction keyed by a shared secret.
type HMACSigner struct {
	method *jwt.SigningMethodHMAC
	key    []byte
}

// New creates an HMACSigner for the given algorithm (HS256, HS384 or HS512).
// An empty algorithm selects DefaultAlgorithm.
func New(algorithm string, key []byte) (*HMACSigner, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrCryptoFailure)
	}

	method, err := methodFor(algorithm)
	if err != nil {
		return nil, err
	}
	if !method.Hash.Available() {
		return nil, fmt.Errorf("%w: %s hash unavailable", ErrCryptoFailure, method.Name)
	}

	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{method: method, key: k}, nil
}

// ValidAlgorithm reports whether name is a supported algorithm.
func ValidAlgorithm(name string) bool {
	_, err := methodFor(name)
	return err == nil
}

func methodFor(name string) (*jwt.SigningMethodHMAC, error) {
	switch strings.ToUpper(name) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// Algorithm returns the name of the HMAC algorithm in use.
func (s *HMACSigner) Algorithm() string {
	return s.method.Name
}

// Sign returns the hex-encoded HMAC of message.
func (s *HMACSigner) Sign(message []byte) (string, error) {
	sig, err := s.method.Sign(string(message), s.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks that signature is the hex-encoded HMAC of message.
// Returns ErrSignatureMismatch when it is not, ErrCryptoFailure when the
// primitive itself fails.
func (s *HMACSigner) Verify(message []byte, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureMismatch
	}

	err = s.method.Verify(string(message), sig, s.key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrSignatureMismatch
	default:
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
}

// DeriveKey derives a KeySize key from secret using HKDF-SHA256.
// The info string separates keys derived from the same secret for different uses.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrCryptoFailure)
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: deriving key: %v", ErrCryptoFailure, err)
	}
	return key, nil
}

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generating key: %v", ErrCryptoFailure, err)
	}
	return key, nil
}
