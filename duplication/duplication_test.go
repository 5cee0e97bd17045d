package duplication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/spacestore/interfaces"
	"github.com/ruteri/spacestore/retry"
	"github.com/ruteri/spacestore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func newPair(t *testing.T) (*storage.MemoryProvider, *storage.MemoryProvider) {
	return storage.NewMemoryProvider("src", testLogger()), storage.NewMemoryProvider("dst", testLogger())
}

func put(t *testing.T, p interfaces.StorageProvider, spaceID, contentID, body string, meta map[string]string) string {
	sum, err := p.AddContent(context.Background(), spaceID, contentID, "text/plain", meta, int64(len(body)), "", strings.NewReader(body))
	require.NoError(t, err)
	return sum
}

func read(t *testing.T, p interfaces.StorageProvider, spaceID, contentID string) string {
	r, err := p.GetContent(context.Background(), spaceID, contentID)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestSpaceDuplicator(t *testing.T) {
	ctx := context.Background()
	src, dst := newPair(t)
	status := NewStatus()
	d := NewSpaceDuplicator(src, dst, status, fastRetry(), testLogger())

	require.NoError(t, src.CreateSpace(ctx, "photos"))
	require.NoError(t, src.SetSpaceMetadata(ctx, "photos", map[string]string{"owner": "alice", interfaces.SpaceAccess: "OPEN"}))

	require.NoError(t, d.CreateSpace(ctx, "photos"))
	srcMeta, err := src.GetSpaceMetadata(ctx, "photos")
	require.NoError(t, err)
	dstMeta, err := dst.GetSpaceMetadata(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, "alice", dstMeta["owner"])
	assert.Equal(t, "OPEN", dstMeta[interfaces.SpaceAccess])
	assert.Equal(t, srcMeta[interfaces.SpaceCreated], dstMeta[interfaces.SpaceCreated])

	// Creating again updates instead of failing.
	require.NoError(t, d.CreateSpace(ctx, "photos"))

	require.NoError(t, src.SetSpaceAccess(ctx, "photos", interfaces.AccessClosed))
	require.NoError(t, d.UpdateSpaceAccess(ctx, "photos"))
	access, err := dst.GetSpaceAccess(ctx, "photos")
	require.NoError(t, err)
	assert.Equal(t, interfaces.AccessClosed, access)

	require.NoError(t, d.DeleteSpace(ctx, "photos"))
	require.NoError(t, d.DeleteSpace(ctx, "photos"), "deleting a missing target space succeeds")

	snap := status.Snapshot()
	assert.Equal(t, int64(5), snap.Succeeded)
	assert.Equal(t, int64(0), snap.Failed)
	assert.Equal(t, int64(0), snap.InFlight)
}

func TestSpaceDuplicator_UpdateCreatesMissingTarget(t *testing.T) {
	ctx := context.Background()
	src, dst := newPair(t)
	d := NewSpaceDuplicator(src, dst, nil, fastRetry(), testLogger())

	require.NoError(t, src.CreateSpace(ctx, "docs"))
	require.NoError(t, src.SetSpaceMetadata(ctx, "docs", map[string]string{"team": "infra"}))

	require.NoError(t, d.UpdateSpace(ctx, "docs"))
	meta, err := dst.GetSpaceMetadata(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "infra", meta["team"])
}

func TestContentDuplicator(t *testing.T) {
	ctx := context.Background()
	src, dst := newPair(t)
	status := NewStatus()
	c := NewContentDuplicator(NewSpaceDuplicator(src, dst, status, fastRetry(), testLogger()))

	require.NoError(t, src.CreateSpace(ctx, "docs"))
	sum := put(t, src, "docs", "a.txt", "hello", map[string]string{"owner": "bob"})

	// The target space does not exist yet; it is created and the copy retried.
	require.NoError(t, c.CreateContent(ctx, "docs", "a.txt"))
	assert.Equal(t, "hello", read(t, dst, "docs", "a.txt"))
	meta, err := dst.GetContentMetadata(ctx, "docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, sum, meta[interfaces.ContentChecksum])
	assert.Equal(t, "bob", meta["owner"])
	assert.Equal(t, "text/plain", meta[interfaces.ContentMimetype])

	require.NoError(t, src.SetContentMetadata(ctx, "docs", "a.txt", map[string]string{"owner": "carol"}))
	require.NoError(t, c.UpdateContent(ctx, "docs", "a.txt"))
	meta, err = dst.GetContentMetadata(ctx, "docs", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "carol", meta["owner"])

	// Updating an item the target lacks copies it.
	put(t, src, "docs", "b.txt", "world", nil)
	require.NoError(t, c.UpdateContent(ctx, "docs", "b.txt"))
	assert.Equal(t, "world", read(t, dst, "docs", "b.txt"))

	require.NoError(t, c.DeleteContent(ctx, "docs", "a.txt"))
	require.NoError(t, c.DeleteContent(ctx, "docs", "a.txt"))
	_, err = dst.GetContent(ctx, "docs", "a.txt")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	err = c.CreateContent(ctx, "docs", "missing.txt")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	snap := status.Snapshot()
	assert.Equal(t, int64(1), snap.Failed)
	assert.Contains(t, snap.LastError, "missing.txt")
}

func TestContentDuplicator_MissingSourceSpace(t *testing.T) {
	ctx := context.Background()
	src, dst := newPair(t)
	c := NewContentDuplicator(NewSpaceDuplicator(src, dst, nil, fastRetry(), testLogger()))

	err := c.CreateContent(ctx, "nowhere", "a.txt")
	assert.ErrorIs(t, err, interfaces.ErrSpaceNotFound)
	_, err = dst.GetSpaceMetadata(ctx, "nowhere")
	assert.ErrorIs(t, err, interfaces.ErrSpaceNotFound, "target space must not be created for a missing source")
}

// flakyTarget fails AddContent as configured, otherwise delegates.
type flakyTarget struct {
	interfaces.StorageProvider
	mock.Mock
}

func (f *flakyTarget) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (string, error) {
	if err := f.Called(contentID).Error(0); err != nil {
		return "", err
	}
	return f.StorageProvider.AddContent(ctx, spaceID, contentID, mimeType, metadata, size, expected, content)
}

func TestContentDuplicator_Retries(t *testing.T) {
	ctx := context.Background()
	src, mem := newPair(t)
	dst := &flakyTarget{StorageProvider: mem}
	status := NewStatus()
	c := NewContentDuplicator(NewSpaceDuplicator(src, dst, status, fastRetry(), testLogger()))

	require.NoError(t, src.CreateSpace(ctx, "docs"))
	require.NoError(t, mem.CreateSpace(ctx, "docs"))
	put(t, src, "docs", "a.txt", "hello", nil)

	dst.On("AddContent", "a.txt").Return(interfaces.NewRetryError("addContent", "docs", "a.txt", errors.New("connection reset"))).Once()
	dst.On("AddContent", "a.txt").Return(nil)

	require.NoError(t, c.CreateContent(ctx, "docs", "a.txt"))
	assert.Equal(t, "hello", read(t, mem, "docs", "a.txt"))
	dst.AssertNumberOfCalls(t, "AddContent", 2)
	assert.Equal(t, int64(1), status.Snapshot().Retries)
}

func TestSpaceSync(t *testing.T) {
	ctx := context.Background()
	src, dst := newPair(t)
	require.NoError(t, src.CreateSpace(ctx, "docs"))
	require.NoError(t, dst.CreateSpace(ctx, "docs"))

	put(t, src, "docs", "same.txt", "unchanged", nil)
	put(t, dst, "docs", "same.txt", "unchanged", nil)
	put(t, src, "docs", "changed.txt", "new", nil)
	put(t, dst, "docs", "changed.txt", "old", nil)
	put(t, src, "docs", "new.txt", "fresh", nil)
	put(t, dst, "docs", "stale.txt", "gone", nil)

	s := NewSpaceSync(NewSpaceDuplicator(src, dst, nil, fastRetry(), testLogger()), SyncOptions{Workers: 2, DeleteExtraneous: true})
	res, err := s.Run(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Copied)
	assert.Equal(t, int64(1), res.Skipped)
	assert.Equal(t, int64(1), res.Deleted)
	assert.Equal(t, int64(0), res.Failed)

	assert.Equal(t, "new", read(t, dst, "docs", "changed.txt"))
	assert.Equal(t, "fresh", read(t, dst, "docs", "new.txt"))
	_, err = dst.GetContent(ctx, "docs", "stale.txt")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	res, err = s.Run(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Copied)
	assert.Equal(t, int64(3), res.Skipped)
}

func TestSpaceSync_ContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	src, mem := newPair(t)
	dst := &flakyTarget{StorageProvider: mem}
	require.NoError(t, src.CreateSpace(ctx, "docs"))
	for _, id := range []string{"a", "b", "c"} {
		put(t, src, "docs", id, id, nil)
	}
	dst.On("AddContent", "b").Return(interfaces.NewNoRetryError("addContent", "docs", "b", errors.New("403 Forbidden")))
	dst.On("AddContent", mock.Anything).Return(nil)

	s := NewSpaceSync(NewSpaceDuplicator(src, dst, nil, fastRetry(), testLogger()), SyncOptions{Workers: 1})
	res, err := s.Run(ctx, "docs")
	require.Error(t, err)
	assert.Equal(t, int64(2), res.Copied)
	assert.Equal(t, int64(1), res.Failed)
	assert.Equal(t, "c", read(t, mem, "docs", "c"))
}

func TestSpaceSync_FailFastStopsRun(t *testing.T) {
	ctx := context.Background()
	src, mem := newPair(t)
	dst := &flakyTarget{StorageProvider: mem}
	require.NoError(t, src.CreateSpace(ctx, "docs"))
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("item-%02d", i)
		put(t, src, "docs", id, id, nil)
	}
	dst.On("AddContent", mock.Anything).Return(interfaces.NewNoRetryError("addContent", "docs", "", errors.New("403 Forbidden")))

	s := NewSpaceSync(NewSpaceDuplicator(src, dst, nil, fastRetry(), testLogger()), SyncOptions{Workers: 1, FailFast: true})
	res, err := s.Run(ctx, "docs")
	require.Error(t, err)
	assert.False(t, interfaces.IsRetryable(err))
	assert.Equal(t, int64(0), res.Copied)
	assert.LessOrEqual(t, res.Failed, int64(2))
	assert.LessOrEqual(t, len(dst.Calls), 2)
}

func TestSpaceSync_CancelledContext(t *testing.T) {
	src, dst := newPair(t)
	require.NoError(t, src.CreateSpace(context.Background(), "docs"))
	put(t, src, "docs", "a.txt", "a", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSpaceSync(NewSpaceDuplicator(src, dst, nil, fastRetry(), testLogger()), SyncOptions{Workers: 1})
	_, err := s.Run(ctx, "docs")
	assert.ErrorIs(t, err, context.Canceled)
}
