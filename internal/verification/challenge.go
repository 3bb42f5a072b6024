package verification

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

const tokenBytes = 32

// codeSpace is 10^6, the number of distinct 6-digit codes.
var codeSpace = big.NewInt(1_000_000)

// GenerateToken returns a 64-character hex email token from crypto/rand.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateCode returns a 6-digit numeric phone code (e.g. "042917").
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashSecret returns the hex SHA-256 of a token or code. Only hashes are persisted.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// SecretEqual compares a provided secret against a stored hash in constant time.
func SecretEqual(provided, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashSecret(provided)), []byte(storedHash)) == 1
}
