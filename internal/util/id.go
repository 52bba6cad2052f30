package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewSessionID identifies one websocket connection for its lifetime.
func NewSessionID() string {
	return uuid.NewString()
}

// NewFlushID returns a lexically time-ordered id for a persisted snapshot.
func NewFlushID() string {
	return ulid.Make().String()
}
