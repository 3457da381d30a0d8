// Package uuid provides run identifiers and server task id handling.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4, used to correlate audit entries of one run.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// NormalizeTaskID turns the body of an upload response into a task id.
// The server answers with a bare or JSON-quoted identifier; wrapping quotes
// and whitespace are stripped. Any RFC 4122 UUID is accepted.
func NormalizeTaskID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return "", fmt.Errorf("empty task id")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid task id %q: %w", s, err)
	}
	return id.String(), nil
}
