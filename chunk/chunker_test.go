package chunk

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/ruteri/spacestore/checksum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestContentChunking(t *testing.T) {
	sums := checksum.NewUtil(checksum.MD5)
	tests := []struct {
		name      string
		size      int
		max       int64
		chunks    int
		lastChunk int64
	}{
		{name: "4100 by 1000", size: 4100, max: 1000, chunks: 5, lastChunk: 100},
		{name: "exact multiple", size: 3000, max: 1000, chunks: 3, lastChunk: 1000},
		{name: "fits one chunk", size: 4100, max: 1000000, chunks: 1, lastChunk: 4100},
		{name: "one over", size: 1001, max: 1000, chunks: 2, lastChunk: 1},
		{name: "empty", size: 0, max: 1000, chunks: 1, lastChunk: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := randomBytes(t, tt.size)
			c := NewContent("test-contentId", bytes.NewReader(data), tt.max, checksum.MD5)

			var reassembled []byte
			for {
				s, err := c.Next()
				if err == io.EOF {
					break
				}
				require.NoError(t, err)
				part, err := io.ReadAll(s)
				require.NoError(t, err)
				assert.LessOrEqual(t, int64(len(part)), tt.max)
				assert.Equal(t, sums.GenerateChecksumBytes(part), s.Checksum())
				reassembled = append(reassembled, part...)
			}
			assert.Equal(t, data, reassembled)

			m, err := c.Manifest("application/octet-stream")
			require.NoError(t, err)
			require.NoError(t, m.Validate())
			assert.Len(t, m.Chunks, tt.chunks)
			assert.Equal(t, int64(tt.size), m.Header.ByteSize)
			assert.Equal(t, sums.GenerateChecksumBytes(data), m.Header.Checksum)
			assert.Equal(t, tt.lastChunk, m.Chunks[len(m.Chunks)-1].ByteSize)
			assert.Equal(t, int64(tt.size), c.Size())
		})
	}
}

func TestContentDrainsUnreadChunk(t *testing.T) {
	data := randomBytes(t, 2500)
	c := NewContent("item", bytes.NewReader(data), 1000, checksum.MD5)

	first, err := c.Next()
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)

	second, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, second.Index)
	part, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, data[1000:2000], part)

	more, err := c.HasMore()
	require.NoError(t, err)
	assert.True(t, more)
}

func TestContentManifestBeforeExhaustion(t *testing.T) {
	c := NewContent("item", bytes.NewReader(randomBytes(t, 2500)), 1000, checksum.MD5)
	_, err := c.Next()
	require.NoError(t, err)
	_, err = c.Manifest("")
	assert.Error(t, err)
}
