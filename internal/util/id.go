// Package util holds identifier helpers shared by the store, session and
// sync layers.
package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

// NewID returns prefix_<32 hex chars>, or just the hex when prefix is empty.
// Used for row ids, token ids and staging keys.
func NewID(prefix string) string {
	id := hex.EncodeToString(randomBytes(16))
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewSecret returns an opaque URL-safe token carrying n random bytes. Callers
// store only a hash of it.
func NewSecret(n int) string {
	return base64.RawURLEncoding.EncodeToString(randomBytes(n))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
