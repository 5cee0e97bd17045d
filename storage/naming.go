package storage

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ruteri/spacestore/interfaces"
)

// MaxContainerNameLength is the longest container name produced for any backend.
const MaxContainerNameLength = 63

// MaxContentIDLength bounds content ids in bytes.
const MaxContentIDLength = 1024

var (
	invalidContainerChars = regexp.MustCompile(`[^a-zA-Z0-9]`)
	validSpaceID          = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{2,62}$`)
)

// GetContainerName maps a space id to a backend-legal container name: every
// character outside [a-zA-Z0-9] becomes '-', the result is lowercased and
// truncated to MaxContainerNameLength. The mapping is derived from the space
// id alone, so repeated calls always resolve to the same container.
func GetContainerName(spaceID string) string {
	return containerName("", spaceID)
}

// containerName applies GetContainerName to prefix+spaceID. Adapters use a
// prefix to keep account-owned containers apart in globally named backends.
func containerName(prefix, spaceID string) string {
	name := strings.ToLower(invalidContainerChars.ReplaceAllString(prefix+spaceID, "-"))
	if len(name) > MaxContainerNameLength {
		name = name[:MaxContainerNameLength]
	}
	return name
}

// normalizePrefix returns the container form of an adapter prefix.
func normalizePrefix(prefix string) string {
	return strings.ToLower(invalidContainerChars.ReplaceAllString(prefix, "-"))
}

// spaceIDFromContainer strips the adapter prefix from a listed container name.
func spaceIDFromContainer(prefix, name string) (string, bool) {
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	spaceID := strings.TrimPrefix(name, prefix)
	return spaceID, spaceID != ""
}

// ValidateSpaceID checks a space id before creation: 3 to 63 characters of
// lowercase letters, digits, '.' and '-', starting with a letter or digit.
func ValidateSpaceID(spaceID string) error {
	if !validSpaceID.MatchString(spaceID) {
		return interfaces.NewNoRetryError("createSpace", spaceID, "",
			fmt.Errorf("%w: must be 3-63 lowercase letters, digits, '.' or '-'", interfaces.ErrInvalidSpaceID))
	}
	return nil
}

// ValidateContentID checks that a content id is non-empty and bounded.
func ValidateContentID(spaceID, contentID string) error {
	if contentID == "" || len(contentID) > MaxContentIDLength {
		return interfaces.NewNoRetryError("addContent", spaceID, contentID,
			fmt.Errorf("%w: length must be 1-%d bytes", interfaces.ErrInvalidContentID, MaxContentIDLength))
	}
	return nil
}

// escapeName turns a content id into a single flat path element for the
// file and IPFS backends. Leading dots are escaped so stored content never
// collides with the hidden bookkeeping entries.
func escapeName(contentID string) string {
	escaped := url.PathEscape(contentID)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	return escaped
}

// unescapeName reverses escapeName.
func unescapeName(name string) (string, error) {
	return url.PathUnescape(name)
}
