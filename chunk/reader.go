package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/interfaces"
)

// LoadManifest fetches and parses the manifest of contentID. It returns a
// not-found error when the content is not stored in chunks.
func LoadManifest(ctx context.Context, p interfaces.StorageProvider, spaceID, contentID string) (*Manifest, error) {
	r, err := p.GetContent(ctx, spaceID, ManifestID(contentID))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	m, err := ParseManifest(r)
	if err != nil {
		return nil, interfaces.NewNoRetryError("getManifest", spaceID, ManifestID(contentID), err)
	}
	if m.Header.ContentID != contentID {
		return nil, interfaces.NewNoRetryError("getManifest", spaceID, ManifestID(contentID),
			fmt.Errorf("%w: manifest describes %q", ErrInvalidManifest, m.Header.ContentID))
	}
	return m, nil
}

// Open returns the content of contentID, reassembling it from chunks when a
// manifest exists. The manifest is nil for unchunked content. Reads of
// chunked content fail with a checksum mismatch as soon as a chunk or the
// whole stream does not match the manifest.
func Open(ctx context.Context, p interfaces.StorageProvider, spaceID, contentID string, log *slog.Logger) (io.ReadCloser, *Manifest, error) {
	if log == nil {
		log = slog.Default()
	}
	m, err := LoadManifest(ctx, p, spaceID, contentID)
	switch {
	case err == nil:
		log.Debug("reassembling chunked content",
			slog.String("space_id", spaceID),
			slog.String("content_id", contentID),
			slog.Int("chunks", len(m.Chunks)),
			slog.Int64("size", m.Header.ByteSize))
		return NewReader(ctx, p, spaceID, m), m, nil
	case errors.Is(err, interfaces.ErrContentNotFound):
		r, err := p.GetContent(ctx, spaceID, contentID)
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	default:
		return nil, nil, err
	}
}

// Reader streams the chunks listed in a manifest in order.
type Reader struct {
	ctx     context.Context
	p       interfaces.StorageProvider
	spaceID string
	m       *Manifest

	next    int
	current io.ReadCloser
	chunk   *checksum.DigestReader
	overall *checksum.DigestReader
	err     error
}

var _ io.ReadCloser = (*Reader)(nil)

// NewReader returns a reader over the chunks described by m.
func NewReader(ctx context.Context, p interfaces.StorageProvider, spaceID string, m *Manifest) *Reader {
	r := &Reader{ctx: ctx, p: p, spaceID: spaceID, m: m}
	r.overall = checksum.NewDigestReader(readerFunc(r.readChunks), m.algorithm())
	return r
}

// Read implements io.Reader.
func (r *Reader) Read(buf []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n, err := r.overall.Read(buf)
	if errors.Is(err, io.EOF) {
		if verr := r.verifyOverall(); verr != nil {
			err = verr
		}
	}
	if err != nil {
		r.err = err
	}
	return n, err
}

func (r *Reader) verifyOverall() error {
	if r.overall.Count() != r.m.Header.ByteSize || !checksum.Equal(r.overall.Checksum(), r.m.Header.Checksum) {
		return interfaces.NewChecksumMismatch("getContent", r.spaceID, r.m.Header.ContentID,
			r.m.Header.Checksum, r.overall.Checksum())
	}
	return nil
}

func (r *Reader) readChunks(buf []byte) (int, error) {
	for {
		if r.current == nil {
			if r.next >= len(r.m.Chunks) {
				return 0, io.EOF
			}
			entry := r.m.Chunks[r.next]
			rc, err := r.p.GetContent(r.ctx, r.spaceID, entry.ChunkID)
			if err != nil {
				return 0, err
			}
			r.current = rc
			r.chunk = checksum.NewDigestReader(rc, r.m.algorithm())
		}

		n, err := r.chunk.Read(buf)
		if errors.Is(err, io.EOF) {
			if verr := r.finishChunk(); verr != nil {
				return n, verr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// finishChunk verifies the chunk just read and moves to the next one.
func (r *Reader) finishChunk() error {
	entry := r.m.Chunks[r.next]
	r.current.Close()
	r.current = nil
	r.next++

	if r.chunk.Count() != entry.ByteSize || !checksum.Equal(r.chunk.Checksum(), entry.Checksum) {
		return interfaces.NewChecksumMismatch("getContent", r.spaceID, entry.ChunkID, entry.Checksum, r.chunk.Checksum())
	}
	return nil
}

// Close releases the chunk being read.
func (r *Reader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}
