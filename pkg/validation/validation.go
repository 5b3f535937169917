package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex validates room ID format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// IdentityIDRegex validates identity ID format
	IdentityIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateRoomID validates a room ID
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room ID is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid room ID format")
	}
	return nil
}

// ValidateIdentityID validates an identity ID
func ValidateIdentityID(identityID string) error {
	if identityID == "" {
		return fmt.Errorf("identity ID is required")
	}
	if len(identityID) > 100 {
		return fmt.Errorf("identity ID is too long (max 100 characters)")
	}
	if !IdentityIDRegex.MatchString(identityID) {
		return fmt.Errorf("invalid identity ID format")
	}
	return nil
}

// ValidateDisplayName validates a display name. An empty name is allowed;
// the client falls back to the identity ID.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) > 50 {
		return fmt.Errorf("display name is too long (max 50 characters)")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return nil
}

// ValidateServerURL validates a signaling server URL
func ValidateServerURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("server URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid server URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid server URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("server URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
