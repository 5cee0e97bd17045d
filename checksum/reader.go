package checksum

import (
	"encoding/hex"
	"hash"
	"io"
)

// DigestReader is an io.Reader that hashes and counts the bytes read through it.
type DigestReader struct {
	io.Reader // The underlying io.Reader.

	h     hash.Hash
	count int64
}

var _ io.Reader = (*DigestReader)(nil)

// NewDigestReader wraps r, hashing with alg.
func NewDigestReader(r io.Reader, alg Algorithm) *DigestReader {
	return &DigestReader{Reader: r, h: newHash(alg)}
}

// Read implements io.Reader.
func (d *DigestReader) Read(buf []byte) (int, error) {
	n, err := d.Reader.Read(buf)
	if n > 0 {
		d.h.Write(buf[:n])
		d.count += int64(n)
	}
	return n, err
}

// Count returns the number of bytes read so far.
func (d *DigestReader) Count() int64 {
	return d.count
}

// Checksum returns the hex digest of the bytes read so far.
func (d *DigestReader) Checksum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
