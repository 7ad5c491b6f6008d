package identity

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidIdentity is returned when a raw identifier cannot be resolved.
var ErrInvalidIdentity = errors.New("invalid identity")

// ID is a normalized user identity, safe for use as a storage key.
type ID string

// reserved characters are replaced so the result never contains a path
// separator or a key the storage layer treats specially.
var reserved = strings.NewReplacer(
	".", "-",
	"@", "-",
	"#", "-",
	"$", "-",
	"[", "-",
	"]", "-",
	"/", "-",
)

// Resolve normalizes a raw identifier (typically an email address) into a
// stable ID. Resolution is pure: the same input always yields the same key.
func Resolve(raw string) (ID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidIdentity
	}
	return ID(reserved.Replace(strings.ToLower(trimmed))), nil
}

// MustResolve is Resolve for inputs known to be non-empty, such as keys read
// back from the store. Panics on invalid input.
func MustResolve(raw string) ID {
	id, err := Resolve(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// NewMessageID returns a globally unique message identifier derived from the
// sender and a random UUID. The result contains no separator characters, so
// it is usable both as a storage key and inside conversation ids.
func NewMessageID(sender ID) string {
	u := strings.ReplaceAll(uuid.New().String(), "-", "")
	return string(sender) + "_" + u
}
