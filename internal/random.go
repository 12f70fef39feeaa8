package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

const (
	sessionTokenSize  = 25
	recoveryCodeDigit = "0123456789ACDEFGHJKLMNPQRSTUVWXYZ"
	recoveryCodeSize  = 10
)

// NewSessionToken returns a 200-bit random opaque token, base32 without
// padding. Tokens are handed to clients and never persisted.
func NewSessionToken() (string, error) {
	var raw [sessionTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw[:])), nil
}

// TokenDigest derives the storage key for an opaque token: a one-way SHA-256
// digest, hex-encoded. A store compromise therefore yields no usable tokens.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashCode hashes a one-time code for at-rest storage and constant-time
// comparison.
func HashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

// NewNumericCode returns a uniformly random code of the given number of
// decimal digits, for email-verification and password-reset challenges.
func NewNumericCode(digits int) (string, error) {
	if digits < 6 || digits > 12 {
		return "", errors.New("invalid code length")
	}

	var b strings.Builder
	b.Grow(digits)

	ten := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// NewRecoveryCode returns a human-typable recovery code drawn from an
// ambiguity-free alphabet (no B/I/O/1-lookalikes beyond the digits).
func NewRecoveryCode() (string, error) {
	var b strings.Builder
	b.Grow(recoveryCodeSize)

	span := big.NewInt(int64(len(recoveryCodeDigit)))
	for i := 0; i < recoveryCodeSize; i++ {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return "", err
		}
		b.WriteByte(recoveryCodeDigit[n.Int64()])
	}

	return b.String(), nil
}

// CanonicalizeCode normalizes user-typed codes: trims whitespace, uppercases,
// and strips separator dashes.
func CanonicalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}
