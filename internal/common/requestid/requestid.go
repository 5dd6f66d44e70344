// Package requestid normalizes caller-supplied request identifiers.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxLength matches the length of a UUID string.
	MaxLength = 36
	// prefixLength of the random uniqueness prefix.
	prefixLength = 5
	// maxCustomLength leaves room for the prefix and one hyphen.
	maxCustomLength = MaxLength - prefixLength - 1
)

var (
	invalidChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	hyphenRuns   = regexp.MustCompile(`-+`)
)

// Generate returns a unique request id. A custom id is sanitized to
// [a-zA-Z0-9-] and prefixed with 5 random characters so two callers
// sending the same id never collide; an empty or fully-invalid custom id
// falls back to a UUID.
func Generate(customID string) string {
	sanitized := strings.ReplaceAll(customID, " ", "-")
	sanitized = invalidChars.ReplaceAllString(sanitized, "")
	sanitized = hyphenRuns.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if sanitized == "" {
		return uuid.New().String()
	}

	if len(sanitized) > maxCustomLength {
		sanitized = sanitized[:maxCustomLength]
	}
	return randomPrefix() + "-" + sanitized
}

func randomPrefix() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.New().String()[:prefixLength]
	}
	return hex.EncodeToString(bytes)[:prefixLength]
}
