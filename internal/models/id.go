package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewID creates a unique ID in prefix-xxxxxxxxxxxx format (12-char hex).
func NewID(prefix string) (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("models: generate ID: %w", err)
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}

// MustNewID is NewID for callers with no error path; it panics only if the
// system entropy source fails.
func MustNewID(prefix string) string {
	id, err := NewID(prefix)
	if err != nil {
		panic(err)
	}
	return id
}
