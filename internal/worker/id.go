package worker

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 16-hex-digit worker id.
func NewID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
