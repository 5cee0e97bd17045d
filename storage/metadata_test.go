package storage

import (
	"testing"
	"time"

	"github.com/ruteri/spacestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDate(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, time.FixedZone("CET", 3600))
	formatted := FormatDate(ts)
	assert.Equal(t, "Tue, 05 Mar 2024 13:07:09 UTC", formatted)

	parsed, err := ParseDate(formatted)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(ts))
}

func TestContentMetadata(t *testing.T) {
	user := map[string]string{
		"Owner":                    "alice",
		interfaces.ContentChecksum: "forged",
		interfaces.ContentSize:     "1",
	}
	m := contentMetadata(user, "", 42, "abc", time.Unix(0, 0))

	assert.Equal(t, "alice", m["owner"])
	assert.Equal(t, "abc", m[interfaces.ContentChecksum])
	assert.Equal(t, "42", m[interfaces.ContentSize])
	assert.Equal(t, interfaces.DefaultMimeType, m[interfaces.ContentMimetype])
	assert.Equal(t, FormatDate(time.Unix(0, 0)), m[interfaces.ContentModified])
}

func TestSplitSpaceMetadata(t *testing.T) {
	user, access, created, err := splitSpaceMetadata("s", map[string]string{
		"Team":                  "infra",
		interfaces.SpaceAccess:  "open",
		interfaces.SpaceCount:   "99",
		interfaces.SpaceCreated: "Tue, 05 Mar 2024 13:07:09 UTC",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "infra"}, user)
	require.NotNil(t, access)
	assert.Equal(t, interfaces.AccessOpen, *access)
	assert.Equal(t, "Tue, 05 Mar 2024 13:07:09 UTC", created)

	_, _, _, err = splitSpaceMetadata("s", map[string]string{interfaces.SpaceAccess: "sideways"})
	assert.Error(t, err)
	assert.False(t, interfaces.IsRetryable(err))
}

func TestPageAfter(t *testing.T) {
	ids := []string{"c", "a", "b/1", "b/2", "d", "b/3"}

	tests := []struct {
		name   string
		prefix string
		marker string
		max    int
		want   []string
	}{
		{name: "first page", max: 2, want: []string{"a", "b/1"}},
		{name: "after marker", marker: "b/1", max: 2, want: []string{"b/2", "b/3"}},
		{name: "marker not listed", marker: "bz", max: 10, want: []string{"c", "d"}},
		{name: "prefix", prefix: "b/", max: 10, want: []string{"b/1", "b/2", "b/3"}},
		{name: "prefix and marker", prefix: "b/", marker: "b/2", max: 10, want: []string{"b/3"}},
		{name: "past end", marker: "d", max: 10, want: []string{}},
		{name: "default limit", max: 0, want: []string{"a", "b/1", "b/2", "b/3", "c", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pageAfter(ids, tt.prefix, tt.marker, tt.max))
		})
	}
}

func TestAzureKeyEncoding(t *testing.T) {
	for _, key := range []string{"owner", "content-type-hint", "x.y_z", "a b", "9lives"} {
		t.Run(key, func(t *testing.T) {
			encoded := encodeAzureKey(key)
			assert.Regexp(t, `^m[a-z0-9_]*$`, encoded)

			decoded, ok := decodeAzureKey(encoded)
			require.True(t, ok)
			assert.Equal(t, key, decoded)

			decoded, ok = decodeAzureKey(toUpperASCII(encoded))
			require.True(t, ok)
			assert.Equal(t, key, decoded)
		})
	}

	_, ok := decodeAzureKey("owner")
	assert.False(t, ok)
	_, ok = decodeAzureKey("mbad_")
	assert.False(t, ok)
}

func toUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
