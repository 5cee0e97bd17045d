// Package checksum computes and verifies content digests over byte streams.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/ruteri/spacestore/interfaces"
)

// Algorithm names a digest function.
type Algorithm string

const (
	MD5    Algorithm = "MD5"
	SHA256 Algorithm = "SHA-256"
)

// Util computes hex-encoded digests with a fixed algorithm.
type Util struct {
	alg Algorithm
}

// NewUtil returns a Util for alg. Unknown algorithms fall back to MD5, the
// digest every supported backend reports natively.
func NewUtil(alg Algorithm) *Util {
	if alg != SHA256 {
		alg = MD5
	}
	return &Util{alg: alg}
}

// Algorithm returns the digest algorithm in use.
func (u *Util) Algorithm() Algorithm {
	return u.alg
}

// NewHash returns a fresh hash.Hash for the configured algorithm.
func (u *Util) NewHash() hash.Hash {
	return newHash(u.alg)
}

// GenerateChecksum consumes r and returns its digest.
func (u *Util) GenerateChecksum(r io.Reader) (string, error) {
	h := u.NewHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GenerateChecksumBytes returns the digest of data.
func (u *Util) GenerateChecksumBytes(data []byte) string {
	h := u.NewHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateChecksumString returns the digest of s.
func (u *Util) GenerateChecksumString(s string) string {
	return u.GenerateChecksumBytes([]byte(s))
}

// Verify consumes r and returns a *interfaces.ChecksumMismatchError when its
// digest differs from expected.
func (u *Util) Verify(r io.Reader, expected string) error {
	actual, err := u.GenerateChecksum(r)
	if err != nil {
		return err
	}
	if !Equal(expected, actual) {
		return &interfaces.ChecksumMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}

// Equal compares two hex digests case-insensitively, ignoring surrounding
// quotes as found in HTTP ETag headers.
func Equal(a, b string) bool {
	return strings.EqualFold(Normalize(a), Normalize(b))
}

// Normalize strips quotes and whitespace and lowercases a hex digest.
func Normalize(sum string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(sum), `"`))
}

// FromBytes hex-encodes a raw digest such as an MD5 returned by a backend SDK.
func FromBytes(sum []byte) string {
	if len(sum) == 0 {
		return ""
	}
	return hex.EncodeToString(sum)
}

func newHash(alg Algorithm) hash.Hash {
	if alg == SHA256 {
		return sha256.New()
	}
	return md5.New()
}
