package checksum

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ruteri/spacestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUtil_GenerateChecksum(t *testing.T) {
	tests := []struct {
		name     string
		alg      Algorithm
		input    string
		expected string
	}{
		{
			name:     "md5 of empty input",
			alg:      MD5,
			input:    "",
			expected: "d41d8cd98f00b204e9800998ecf8427e",
		},
		{
			name:     "md5 of text",
			alg:      MD5,
			input:    "hello world",
			expected: "5eb63bbbe01eeed093cb22bb8f5acdc3",
		},
		{
			name:     "sha256 of text",
			alg:      SHA256,
			input:    "hello world",
			expected: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		},
		{
			name:     "unknown algorithm falls back to md5",
			alg:      Algorithm("CRC"),
			input:    "hello world",
			expected: "5eb63bbbe01eeed093cb22bb8f5acdc3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			util := NewUtil(tt.alg)

			sum, err := util.GenerateChecksum(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, sum)
			assert.Equal(t, tt.expected, util.GenerateChecksumString(tt.input))
		})
	}
}

func TestUtil_Verify(t *testing.T) {
	util := NewUtil(MD5)

	err := util.Verify(strings.NewReader("hello world"), "5EB63BBBE01EEED093CB22BB8F5ACDC3")
	assert.NoError(t, err, "comparison should be case-insensitive")

	err = util.Verify(strings.NewReader("hello world!"), "5eb63bbbe01eeed093cb22bb8f5acdc3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrChecksumMismatch))

	var mismatch *interfaces.ChecksumMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", mismatch.Expected)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(`"5eb63bbbe01eeed093cb22bb8f5acdc3"`, "5eb63bbbe01eeed093cb22bb8f5acdc3"))
	assert.True(t, Equal(" ABC ", "abc"))
	assert.False(t, Equal("abc", "abd"))
}

func TestDigestReader(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	dr := NewDigestReader(bytes.NewReader(data), MD5)

	n, err := io.Copy(io.Discard, dr)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, int64(len(data)), dr.Count())
	assert.Equal(t, NewUtil(MD5).GenerateChecksumBytes(data), dr.Checksum())
}

func TestFromBytes(t *testing.T) {
	assert.Equal(t, "", FromBytes(nil))
	assert.Equal(t, "00ff", FromBytes([]byte{0x00, 0xff}))
}
