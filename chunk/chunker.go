package chunk

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/spacestore/checksum"
)

// Content splits a single forward-only stream into consecutive chunks of at
// most maxChunkSize bytes. Chunks are handed out one at a time and each must
// be consumed before the next is requested.
type Content struct {
	contentID    string
	maxChunkSize int64
	alg          checksum.Algorithm

	src     *bufio.Reader
	overall *checksum.DigestReader
	current *Stream
	entries []Entry
	next    int
}

// NewContent prepares r for chunking.
func NewContent(contentID string, r io.Reader, maxChunkSize int64, alg checksum.Algorithm) *Content {
	overall := checksum.NewDigestReader(r, alg)
	return &Content{
		contentID:    contentID,
		maxChunkSize: maxChunkSize,
		alg:          alg,
		src:          bufio.NewReader(overall),
		overall:      overall,
	}
}

// HasMore reports whether any bytes remain after the chunks handed out so
// far. The current chunk must be fully read for the answer to be final.
func (c *Content) HasMore() (bool, error) {
	_, err := c.src.Peek(1)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Next returns the stream of the next chunk, or io.EOF once the source is
// exhausted. An empty source still yields one empty chunk so that zero-byte
// content is stored. An unread remainder of the previous chunk is drained.
func (c *Content) Next() (*Stream, error) {
	if err := c.finish(); err != nil {
		return nil, err
	}
	if c.next > 0 {
		more, err := c.HasMore()
		if err != nil {
			return nil, err
		}
		if !more {
			return nil, io.EOF
		}
	}

	s := &Stream{
		ID:     ChunkID(c.contentID, c.next),
		Index:  c.next,
		digest: checksum.NewDigestReader(io.LimitReader(c.src, c.maxChunkSize), c.alg),
	}
	c.current = s
	c.next++
	return s, nil
}

// finish records the entry of the current chunk.
func (c *Content) finish() error {
	if c.current == nil {
		return nil
	}
	if _, err := io.Copy(io.Discard, c.current); err != nil {
		return fmt.Errorf("failed to drain chunk %s: %w", c.current.ID, err)
	}
	c.entries = append(c.entries, Entry{
		ChunkID:  c.current.ID,
		Index:    c.current.Index,
		ByteSize: c.current.Size(),
		Checksum: c.current.Checksum(),
	})
	c.current = nil
	return nil
}

// Manifest completes the current chunk and describes all chunks handed out.
// It must only be called once the source is exhausted.
func (c *Content) Manifest(mimeType string) (*Manifest, error) {
	if err := c.finish(); err != nil {
		return nil, err
	}
	if more, err := c.HasMore(); err != nil {
		return nil, err
	} else if more {
		return nil, fmt.Errorf("content %s has unread chunks", c.contentID)
	}

	m := NewManifest(c.contentID, mimeType)
	m.Header.ByteSize = c.overall.Count()
	m.Header.Checksum = c.overall.Checksum()
	m.Header.Algorithm = string(c.alg)
	for _, e := range c.entries {
		m.Add(e)
	}
	return m, nil
}

// Size returns the number of bytes read from the source so far.
func (c *Content) Size() int64 {
	return c.overall.Count() - int64(c.src.Buffered())
}

// Checksum returns the digest over every byte of the source. It is final
// only once the source is exhausted.
func (c *Content) Checksum() string {
	return c.overall.Checksum()
}

// Stream is the byte stream of one chunk. Its checksum covers exactly its
// own bytes.
type Stream struct {
	ID    string
	Index int

	digest *checksum.DigestReader
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	return s.digest.Read(p)
}

// Size returns the number of chunk bytes read so far.
func (s *Stream) Size() int64 {
	return s.digest.Count()
}

// Checksum returns the digest of the chunk bytes read so far.
func (s *Stream) Checksum() string {
	return s.digest.Checksum()
}
