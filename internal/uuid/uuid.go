// Package uuid provides identifier generation for offline submissions and log entries.
package uuid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientIDPrefix marks identifiers minted on the device rather than by the server.
const ClientIDPrefix = "offline-"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// offline-<unix millis>-<12 hex chars>
var clientIDRegex = regexp.MustCompile(`^offline-[0-9]+-[0-9a-f]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewClientID returns a globally unique client token of the form offline-<timestamp>-<random>.
// The server uses it to recognise a submission that was transmitted more than once.
func NewClientID(now time.Time) string {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")
	return ClientIDPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "-" + random[:12]
}

// IsClientID checks if a string has the client token format.
func IsClientID(s string) bool {
	return clientIDRegex.MatchString(s)
}

// ClientIDTime extracts the creation timestamp embedded in a client token.
func ClientIDTime(s string) (time.Time, error) {
	if !IsClientID(s) {
		return time.Time{}, fmt.Errorf("invalid client id: %q", s)
	}
	parts := strings.SplitN(strings.TrimPrefix(s, ClientIDPrefix), "-", 2)
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid client id timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}
