package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/spacestore/interfaces"
)

// spaceMetadataObject is the hidden sentinel holding space metadata on
// backends without native container metadata. It is filtered from listings.
const spaceMetadataObject = ".space-metadata"

// spaceProperties is the document stored in the space metadata sentinel.
type spaceProperties struct {
	Created  string            `json:"created"`
	Access   string            `json:"access"`
	Metadata map[string]string `json:"metadata"`
}

func encodeSpaceProperties(p spaceProperties) ([]byte, error) {
	return json.Marshal(p)
}

func decodeSpaceProperties(data []byte) (spaceProperties, error) {
	var p spaceProperties
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to decode space properties: %w", err)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	return p, nil
}

// FormatDate renders t as an RFC-822 date in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(time.RFC1123)
}

// ParseDate parses a date produced by FormatDate.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(time.RFC1123, s)
}

var calculatedContentKeys = map[string]bool{
	interfaces.ContentChecksum: true,
	interfaces.ContentSize:     true,
	interfaces.ContentModified: true,
	interfaces.ContentMimetype: true,
}

var reservedSpaceKeys = map[string]bool{
	interfaces.SpaceCreated: true,
	interfaces.SpaceCount:   true,
	interfaces.SpaceAccess:  true,
}

// normalizeKeys lowercases metadata keys, masking backend case differences.
func normalizeKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// userContentMetadata drops calculated keys from caller-supplied content metadata.
func userContentMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range normalizeKeys(m) {
		if !calculatedContentKeys[k] {
			out[k] = v
		}
	}
	return out
}

// contentMetadata merges stored user metadata with the calculated fields.
func contentMetadata(user map[string]string, mimeType string, size int64, checksum string, modified time.Time) map[string]string {
	out := userContentMetadata(user)
	if mimeType == "" {
		mimeType = interfaces.DefaultMimeType
	}
	out[interfaces.ContentMimetype] = mimeType
	out[interfaces.ContentSize] = strconv.FormatInt(size, 10)
	out[interfaces.ContentChecksum] = checksum
	if !modified.IsZero() {
		out[interfaces.ContentModified] = FormatDate(modified)
	}
	return out
}

// splitSpaceMetadata separates a caller map into opaque metadata, an optional
// access type and an optional creation date.
func splitSpaceMetadata(spaceID string, m map[string]string) (user map[string]string, access *interfaces.AccessType, created string, err error) {
	user = make(map[string]string, len(m))
	for k, v := range normalizeKeys(m) {
		switch k {
		case interfaces.SpaceAccess:
			a, perr := interfaces.ParseAccessType(v)
			if perr != nil {
				return nil, nil, "", interfaces.NewNoRetryError("setSpaceMetadata", spaceID, "", perr)
			}
			access = &a
		case interfaces.SpaceCreated:
			created = v
		case interfaces.SpaceCount:
			// derived, never stored
		default:
			user[k] = v
		}
	}
	return user, access, created, nil
}

// spaceMetadata merges stored user metadata with the reserved fields.
func spaceMetadata(user map[string]string, created string, count int64, access interfaces.AccessType) map[string]string {
	out := make(map[string]string, len(user)+3)
	for k, v := range normalizeKeys(user) {
		if !reservedSpaceKeys[k] {
			out[k] = v
		}
	}
	out[interfaces.SpaceCreated] = created
	out[interfaces.SpaceCount] = strconv.FormatInt(count, 10)
	out[interfaces.SpaceAccess] = access.String()
	return out
}

// defaultMimeType substitutes DefaultMimeType for a blank mimetype.
func defaultMimeType(mimeType string) string {
	if strings.TrimSpace(mimeType) == "" {
		return interfaces.DefaultMimeType
	}
	return mimeType
}

// effectiveMaxResults applies DefaultMaxResults to non-positive limits.
func effectiveMaxResults(maxResults int) int {
	if maxResults <= 0 {
		return interfaces.DefaultMaxResults
	}
	return maxResults
}

// pageAfter sorts ids and returns at most maxResults of those with the given
// prefix that sort strictly after marker. It serves backends without native
// marker pagination.
func pageAfter(ids []string, prefix, marker string, maxResults int) []string {
	sorted := make([]string, 0, len(ids))
	for _, id := range ids {
		if strings.HasPrefix(id, prefix) {
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	start := 0
	if marker != "" {
		start = sort.Search(len(sorted), func(i int) bool { return sorted[i] > marker })
	}
	end := start + effectiveMaxResults(maxResults)
	if end > len(sorted) {
		end = len(sorted)
	}
	return sorted[start:end]
}
