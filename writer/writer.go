// Package writer stores content through a StorageProvider, splitting it into
// chunks with a manifest when it exceeds the configured chunk size. Every
// upload is verified against a locally computed checksum and retried on
// transient failures. Overwrites reconcile the previous representation so no
// stale chunks or manifests are left behind.
package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/chunk"
	"github.com/ruteri/spacestore/interfaces"
	"github.com/ruteri/spacestore/retry"
	"github.com/ruteri/spacestore/storage"
	"golang.org/x/sync/errgroup"
)

// digestAlgorithm matches the content-checksum every provider reports.
const digestAlgorithm = checksum.MD5

// State is a step of a single write.
type State string

const (
	StatePending      State = "PENDING"
	StateSingleWrite  State = "SINGLE_WRITE"
	StateChunkedWrite State = "CHUNKED_WRITE"
	StateVerify       State = "VERIFY"
	StateSuccess      State = "SUCCESS"
	StateError        State = "ERROR"
)

// Request describes content to store.
type Request struct {
	SpaceID   string
	ContentID string
	MimeType  string
	Metadata  map[string]string

	// Size is the declared length of Content, or -1 when unknown.
	Size int64

	// Checksum is the expected digest of Content. Empty means it is computed
	// during the upload.
	Checksum string

	Content io.Reader
}

// ContentWriter writes content items, chunked or not, through one provider.
// It is safe for concurrent use on distinct content ids.
type ContentWriter struct {
	provider interfaces.StorageProvider
	cfg      Config
	sums     *checksum.Util
	log      *slog.Logger

	mu      sync.Mutex
	results []interfaces.AddContentResult
}

// New creates a ContentWriter.
func New(provider interfaces.StorageProvider, cfg Config, log *slog.Logger) *ContentWriter {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &ContentWriter{
		provider: provider,
		cfg:      cfg,
		sums:     checksum.NewUtil(digestAlgorithm),
		log:      log,
	}
}

// Results returns a copy of the results accumulated so far.
func (w *ContentWriter) Results() []interfaces.AddContentResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]interfaces.AddContentResult(nil), w.results...)
}

func (w *ContentWriter) record(spaceID, contentID, sum string, err error) {
	if w.cfg.DiscardResults {
		return
	}
	res := interfaces.AddContentResult{SpaceID: spaceID, ContentID: contentID, State: interfaces.AddContentSuccess}
	if err != nil {
		res.State = interfaces.AddContentError
		res.Err = err
	} else {
		res.Checksum = sum
	}
	w.mu.Lock()
	w.results = append(w.results, res)
	w.mu.Unlock()
}

// Write stores req and returns the checksum of the original bytes.
func (w *ContentWriter) Write(ctx context.Context, req Request) (string, error) {
	op := &writeOp{w: w, req: req, state: StatePending, start: time.Now()}
	sum, err := op.run(ctx)
	if err != nil {
		op.transition(StateError)
		w.log.Error("Failed to write content",
			slog.String("space_id", req.SpaceID),
			slog.String("content_id", req.ContentID),
			"err", err,
			slog.Duration("duration", time.Since(op.start)))
		return sum, err
	}
	op.transition(StateSuccess)
	return sum, nil
}

// WriteAll writes reqs on a bounded pool of workers. Failed items do not stop
// the batch unless FailFast is set; their errors are joined.
func (w *ContentWriter) WriteAll(ctx context.Context, reqs []Request) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)

	var mu sync.Mutex
	var errs []error
	for _, req := range reqs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if _, err := w.Write(gctx, req); err != nil {
				if w.cfg.FailFast {
					return err
				}
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Delete removes contentID in whichever representation it is stored: the
// manifest, every chunk and the unchunked object.
func (w *ContentWriter) Delete(ctx context.Context, spaceID, contentID string) error {
	ids := []string{chunk.ManifestID(contentID)}
	chunks, err := w.chunkIDs(ctx, spaceID, contentID, 0)
	if err != nil {
		return err
	}
	ids = append(ids, chunks...)
	ids = append(ids, contentID)

	deleted := 0
	for _, id := range ids {
		err := w.deleteIfExists(ctx, spaceID, id)
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		deleted++
	}
	if deleted == 0 {
		return interfaces.NewContentNotFound(spaceID, contentID)
	}
	w.log.Debug("Deleted content",
		slog.String("space_id", spaceID),
		slog.String("content_id", contentID),
		slog.Int("objects", deleted))
	return nil
}

// chunkIDs lists the stored chunks of contentID with an index of at least from.
func (w *ContentWriter) chunkIDs(ctx context.Context, spaceID, contentID string, from int) ([]string, error) {
	it, err := w.provider.GetSpaceContents(ctx, spaceID, chunk.ChunkPrefix(contentID))
	if err != nil {
		return nil, err
	}
	listed, err := storage.Collect(ctx, it)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range listed {
		parent, index, ok := chunk.ParseChunkID(id)
		if ok && parent == contentID && index >= from {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (w *ContentWriter) deleteIfExists(ctx context.Context, spaceID, id string) error {
	return retry.Do(ctx, w.cfg.Retry, func(ctx context.Context) error {
		return w.provider.DeleteContent(ctx, spaceID, id)
	}, w.notify("deleteContent", spaceID, id))
}

func (w *ContentWriter) notify(op, spaceID, contentID string) retry.Notify {
	return func(err error, attempt int, wait time.Duration) {
		w.log.Warn("Retrying storage operation",
			slog.String("op", op),
			slog.String("space_id", spaceID),
			slog.String("content_id", contentID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			"err", err)
	}
}

// writeOp tracks one request through its states.
type writeOp struct {
	w     *ContentWriter
	req   Request
	state State
	start time.Time
}

func (op *writeOp) transition(next State) {
	op.w.log.Debug("Content write state",
		slog.String("space_id", op.req.SpaceID),
		slog.String("content_id", op.req.ContentID),
		slog.String("from", string(op.state)),
		slog.String("to", string(next)))
	op.state = next
}

func (op *writeOp) fail(err error) error {
	return interfaces.NewNoRetryError("addContent", op.req.SpaceID, op.req.ContentID, err)
}

func (op *writeOp) mimeType() string {
	if op.req.MimeType == "" {
		return interfaces.DefaultMimeType
	}
	return op.req.MimeType
}

func (op *writeOp) run(ctx context.Context) (string, error) {
	req := op.req
	if chunk.IsReserved(req.ContentID) {
		return "", op.fail(fmt.Errorf("%w: reserved chunk or manifest suffix", interfaces.ErrInvalidContentID))
	}
	if req.Content == nil {
		return "", op.fail(errors.New("no content"))
	}

	maxChunk := op.w.cfg.MaxChunkSize
	if rs, ok := req.Content.(io.ReadSeeker); ok && req.Size >= 0 && req.Size <= maxChunk {
		return op.writeSeekable(ctx, rs)
	}

	content := chunk.NewContent(req.ContentID, req.Content, maxChunk, digestAlgorithm)
	first, err := content.Next()
	if err != nil {
		return "", op.fail(fmt.Errorf("failed to read content: %w", err))
	}
	sp, err := newSpool(first, MemorySpoolLimit, op.w.cfg.SpoolDir)
	if err != nil {
		return "", op.fail(err)
	}
	more, err := content.HasMore()
	if err != nil {
		sp.Close()
		return "", op.fail(fmt.Errorf("failed to read content: %w", err))
	}
	if !more {
		defer sp.Close()
		return op.writeSingle(ctx, sp, first.Checksum())
	}
	return op.writeChunked(ctx, content, first, sp)
}

// upload stores size bytes of body from offset, rewinding before every attempt.
func (op *writeOp) upload(ctx context.Context, contentID, mimeType string, metadata map[string]string, body io.ReadSeeker, offset, size int64, expected string) (string, error) {
	spaceID := op.req.SpaceID
	sum, err := retry.Call(ctx, op.w.cfg.Retry, func(ctx context.Context) (string, error) {
		if _, err := body.Seek(offset, io.SeekStart); err != nil {
			return "", interfaces.NewNoRetryError("addContent", spaceID, contentID, fmt.Errorf("failed to rewind content: %w", err))
		}
		return op.w.provider.AddContent(ctx, spaceID, contentID, mimeType, metadata, size, expected, io.LimitReader(body, size))
	}, op.w.notify("addContent", spaceID, contentID))
	op.w.record(spaceID, contentID, sum, err)
	return sum, err
}

func (op *writeOp) writeSeekable(ctx context.Context, rs io.ReadSeeker) (string, error) {
	op.transition(StateSingleWrite)
	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", op.fail(fmt.Errorf("failed to locate content: %w", err))
	}
	sum, err := op.upload(ctx, op.req.ContentID, op.mimeType(), op.req.Metadata, rs, offset, op.req.Size, op.req.Checksum)
	op.transition(StateVerify)
	if err != nil {
		return sum, err
	}
	return sum, op.reconcileSingle(ctx)
}

func (op *writeOp) writeSingle(ctx context.Context, sp *spool, local string) (string, error) {
	op.transition(StateSingleWrite)
	expected := op.req.Checksum
	if expected == "" {
		expected = local
	}
	sum, err := op.upload(ctx, op.req.ContentID, op.mimeType(), op.req.Metadata, sp, 0, sp.size, expected)
	op.transition(StateVerify)
	if err != nil {
		return sum, err
	}
	if !checksum.Equal(sum, local) {
		return sum, interfaces.NewChecksumMismatch("addContent", op.req.SpaceID, op.req.ContentID, local, sum)
	}
	return sum, op.reconcileSingle(ctx)
}

// writeChunked uploads chunks one at a time, then the manifest.
func (op *writeOp) writeChunked(ctx context.Context, content *chunk.Content, stream *chunk.Stream, sp *spool) (string, error) {
	op.transition(StateChunkedWrite)
	for {
		_, err := op.upload(ctx, stream.ID, interfaces.DefaultMimeType, nil, sp, 0, sp.size, stream.Checksum())
		sp.Close()
		if err != nil {
			return "", err
		}

		stream, err = content.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", op.fail(fmt.Errorf("failed to read content: %w", err))
		}
		if sp, err = newSpool(stream, MemorySpoolLimit, op.w.cfg.SpoolDir); err != nil {
			return "", op.fail(err)
		}
	}

	m, err := content.Manifest(op.mimeType())
	if err != nil {
		return "", op.fail(err)
	}
	doc, err := m.Marshal()
	if err != nil {
		return "", op.fail(err)
	}

	op.transition(StateVerify)
	_, err = op.upload(ctx, chunk.ManifestID(op.req.ContentID), chunk.ManifestMimeType, op.req.Metadata,
		bytes.NewReader(doc), 0, int64(len(doc)), op.w.sums.GenerateChecksumBytes(doc))
	if err != nil {
		return "", err
	}
	sum := m.Header.Checksum
	if op.req.Checksum != "" && !checksum.Equal(op.req.Checksum, sum) {
		// The stored chunk set is complete, so it still replaces the old representation.
		if err := op.reconcileChunked(ctx, len(m.Chunks)); err != nil {
			return sum, err
		}
		return sum, interfaces.NewChecksumMismatch("addContent", op.req.SpaceID, op.req.ContentID, op.req.Checksum, sum)
	}

	op.w.log.Debug("Stored chunked content",
		slog.String("space_id", op.req.SpaceID),
		slog.String("content_id", op.req.ContentID),
		slog.Int("chunks", len(m.Chunks)),
		slog.Int64("size", m.Header.ByteSize),
		slog.Duration("duration", time.Since(op.start)))
	return sum, op.reconcileChunked(ctx, len(m.Chunks))
}

// reconcileSingle removes a previous chunked representation.
func (op *writeOp) reconcileSingle(ctx context.Context) error {
	stale, err := op.w.chunkIDs(ctx, op.req.SpaceID, op.req.ContentID, 0)
	if err != nil {
		return err
	}
	return op.removeStale(ctx, append([]string{chunk.ManifestID(op.req.ContentID)}, stale...))
}

// reconcileChunked removes the unchunked object and chunks beyond count.
func (op *writeOp) reconcileChunked(ctx context.Context, count int) error {
	stale, err := op.w.chunkIDs(ctx, op.req.SpaceID, op.req.ContentID, count)
	if err != nil {
		return err
	}
	return op.removeStale(ctx, append([]string{op.req.ContentID}, stale...))
}

func (op *writeOp) removeStale(ctx context.Context, ids []string) error {
	for _, id := range ids {
		err := op.w.deleteIfExists(ctx, op.req.SpaceID, id)
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to remove stale %s: %w", id, err)
		}
		op.w.log.Debug("Removed stale content",
			slog.String("space_id", op.req.SpaceID),
			slog.String("content_id", id))
	}
	return nil
}
