package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateConnectionID generates the ephemeral id bound to one websocket
// session for its lifetime.
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateIdentityID generates a unique identity ID
func GenerateIdentityID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
