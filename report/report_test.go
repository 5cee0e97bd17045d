package report

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ruteri/spacestore/interfaces"
	"github.com/ruteri/spacestore/storage"
	"github.com/ruteri/spacestore/writer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func populated(t *testing.T) *storage.MemoryProvider {
	ctx := context.Background()
	p := storage.NewMemoryProvider(t.Name(), testLogger())
	require.NoError(t, p.CreateSpace(ctx, "docs"))
	require.NoError(t, p.CreateSpace(ctx, "media"))

	w := writer.New(p, writer.Config{MaxChunkSize: 1000}, testLogger())
	for _, req := range []writer.Request{
		{SpaceID: "docs", ContentID: "a.txt", MimeType: "text/plain", Size: 10, Content: bytes.NewReader(make([]byte, 10))},
		{SpaceID: "docs", ContentID: "b.txt", MimeType: "text/plain", Size: 20, Content: bytes.NewReader(make([]byte, 20))},
		{SpaceID: "media", ContentID: "movie.mp4", MimeType: "video/mp4", Size: 4100, Content: bytes.NewReader(make([]byte, 4100))},
	} {
		_, err := w.Write(ctx, req)
		require.NoError(t, err)
	}
	return p
}

func TestBuild(t *testing.T) {
	p := populated(t)
	r, err := NewBuilder(p, testLogger()).Build(context.Background())
	require.NoError(t, err)

	assert.True(t, r.Complete)
	assert.Equal(t, int64(3), r.TotalItems)
	assert.Equal(t, int64(4130), r.TotalBytes)
	require.Len(t, r.Spaces, 2)

	docs := r.Spaces[0]
	assert.Equal(t, "docs", docs.SpaceID)
	assert.Equal(t, int64(2), docs.Items)
	assert.Equal(t, MimeStat{Items: 2, Bytes: 30}, docs.MimeTypes["text/plain"])

	media := r.Spaces[1]
	assert.Equal(t, int64(1), media.Items, "chunked content counts once")
	assert.Equal(t, MimeStat{Items: 1, Bytes: 4100}, media.MimeTypes["video/mp4"])

	text := r.String()
	assert.Contains(t, text, "3 items, 4.0 KiB")
	assert.Contains(t, text, "video/mp4")
}

func TestBuildCancelled(t *testing.T) {
	p := populated(t)
	b := NewBuilder(p, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := b.Build(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, r.Complete)
	assert.False(t, b.Running())
}

// cancellingProvider cancels the builder on the first metadata lookup.
type cancellingProvider struct {
	interfaces.StorageProvider
	builder *Builder
}

func (c *cancellingProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	c.builder.Cancel()
	return c.StorageProvider.GetContentMetadata(ctx, spaceID, contentID)
}

func TestBuildCancelFlag(t *testing.T) {
	cp := &cancellingProvider{StorageProvider: populated(t)}
	b := NewBuilder(cp, testLogger())
	cp.builder = b

	r, err := b.Build(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, r.Complete)
	assert.Equal(t, int64(1), r.TotalItems, "the item in progress is finished")
}

func TestScheduler(t *testing.T) {
	require.NoError(t, RegisterMetrics(prometheus.NewRegistry()))
	p := populated(t)
	s := NewScheduler(NewBuilder(p, testLogger()), time.Hour, testLogger())
	assert.Nil(t, s.Latest())

	s.RunOnce(context.Background())
	latest := s.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, int64(3), latest.TotalItems)
	assert.Equal(t, float64(2), testutil.ToFloat64(spaceItems.WithLabelValues(p.Name(), "docs")))
	assert.Equal(t, float64(4100), testutil.ToFloat64(spaceBytes.WithLabelValues(p.Name(), "media")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.True(t, strings.HasPrefix(s.Latest().Provider, "mem-"))
}
