package chunk

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	chunkInfix = ".dura-chunk-"

	// ManifestSuffix is appended to a content id to name its manifest.
	ManifestSuffix = ".dura-manifest"

	// ManifestMimeType is the mimetype manifests are stored with.
	ManifestMimeType = "application/xml"
)

// ChunkID returns the id of chunk index of contentID.
func ChunkID(contentID string, index int) string {
	return fmt.Sprintf("%s%s%04d", contentID, chunkInfix, index)
}

// ChunkPrefix returns the listing prefix shared by all chunks of contentID.
func ChunkPrefix(contentID string) string {
	return contentID + chunkInfix
}

// ManifestID returns the id of the manifest of contentID.
func ManifestID(contentID string) string {
	return contentID + ManifestSuffix
}

// ParseChunkID splits a chunk id into its parent id and index.
func ParseChunkID(id string) (parent string, index int, ok bool) {
	i := strings.LastIndex(id, chunkInfix)
	if i < 0 {
		return "", 0, false
	}
	digits := id[i+len(chunkInfix):]
	if len(digits) < 4 {
		return "", 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", 0, false
		}
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return "", 0, false
	}
	return id[:i], index, true
}

// ParseManifestID returns the parent id of a manifest id.
func ParseManifestID(id string) (string, bool) {
	if !strings.HasSuffix(id, ManifestSuffix) {
		return "", false
	}
	return strings.TrimSuffix(id, ManifestSuffix), true
}

// IsReserved reports whether id is a chunk or manifest id. Such ids belong
// to the chunking engine and are refused as user content ids.
func IsReserved(id string) bool {
	if _, ok := ParseManifestID(id); ok {
		return true
	}
	_, _, ok := ParseChunkID(id)
	return ok
}

// Count returns the number of chunks size bytes are split into.
func Count(size, maxChunkSize int64) int {
	if size <= 0 || maxChunkSize <= 0 {
		return 0
	}
	return int((size + maxChunkSize - 1) / maxChunkSize)
}
