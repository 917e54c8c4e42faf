package iamkit

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptMaxInput is the longest input bcrypt accepts; longer inputs are pre-digested.
const bcryptMaxInput = 72

// Hasher performs one-way salted hashing of secrets.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Compare(plaintext string, digest string) bool
}

// BcryptHasher hashes passwords and API keys with bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher clamps the cost into the range bcrypt accepts; zero selects the default.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns a bcrypt digest with a fresh salt.
func (hasher *BcryptHasher) Hash(plaintext string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword(bcryptInput(plaintext), hasher.cost)
	if err != nil {
		return "", fmt.Errorf("iam.hash: %w", err)
	}
	return string(digest), nil
}

// Compare reports whether plaintext matches digest; malformed digests never match.
func (hasher *BcryptHasher) Compare(plaintext string, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), bcryptInput(plaintext)) == nil
}

// bcryptInput keeps every byte of long inputs significant (API keys exceed 72 bytes).
func bcryptInput(plaintext string) []byte {
	if len(plaintext) <= bcryptMaxInput {
		return []byte(plaintext)
	}
	sum := sha256.Sum256([]byte(plaintext))
	return []byte(base64.RawStdEncoding.EncodeToString(sum[:]))
}
