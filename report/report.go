// Package report builds storage reports: per-space item counts, byte totals
// and mimetype breakdowns. Chunked content counts once, with the size and
// mimetype recorded in its manifest.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ruteri/spacestore/chunk"
	"github.com/ruteri/spacestore/interfaces"
	"go.uber.org/atomic"
)

// ErrCancelled is returned by Build after Cancel was called.
var ErrCancelled = errors.New("report cancelled")

// MimeStat totals the items of one mimetype.
type MimeStat struct {
	Items int64 `json:"items"`
	Bytes int64 `json:"bytes"`
}

// SpaceReport totals one space.
type SpaceReport struct {
	SpaceID   string              `json:"space_id"`
	Items     int64               `json:"items"`
	Bytes     int64               `json:"bytes"`
	MimeTypes map[string]MimeStat `json:"mimetypes"`
}

// Report totals every space of a provider.
type Report struct {
	Provider   string        `json:"provider"`
	Started    time.Time     `json:"started"`
	Finished   time.Time     `json:"finished"`
	Complete   bool          `json:"complete"`
	TotalItems int64         `json:"total_items"`
	TotalBytes int64         `json:"total_bytes"`
	Spaces     []SpaceReport `json:"spaces"`
}

// String renders the report as a human readable table.
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d items, %s", r.Provider, r.TotalItems, humanize.IBytes(uint64(r.TotalBytes)))
	if !r.Complete {
		b.WriteString(" (incomplete)")
	}
	b.WriteByte('\n')
	for _, s := range r.Spaces {
		fmt.Fprintf(&b, "  %-40s %10s items %12s\n", s.SpaceID, humanize.Comma(s.Items), humanize.IBytes(uint64(s.Bytes)))
		types := make([]string, 0, len(s.MimeTypes))
		for mt := range s.MimeTypes {
			types = append(types, mt)
		}
		sort.Strings(types)
		for _, mt := range types {
			st := s.MimeTypes[mt]
			fmt.Fprintf(&b, "    %-38s %10s items %12s\n", mt, humanize.Comma(st.Items), humanize.IBytes(uint64(st.Bytes)))
		}
	}
	return b.String()
}

// Builder walks a provider and totals its content. A running build can be
// cancelled; the flag is polled between items.
type Builder struct {
	provider  interfaces.StorageProvider
	log       *slog.Logger
	cancelled atomic.Bool
	running   atomic.Bool
}

// NewBuilder creates a Builder for provider.
func NewBuilder(provider interfaces.StorageProvider, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{provider: provider, log: log}
}

// Cancel asks a running build to stop after the current item.
func (b *Builder) Cancel() {
	b.cancelled.Store(true)
}

// Running reports whether a build is in progress.
func (b *Builder) Running() bool {
	return b.running.Load()
}

// Build totals every space. A cancelled build returns the partial report
// together with ErrCancelled.
func (b *Builder) Build(ctx context.Context) (*Report, error) {
	if !b.running.CompareAndSwap(false, true) {
		return nil, errors.New("report already running")
	}
	defer b.running.Store(false)
	b.cancelled.Store(false)

	report := &Report{Provider: b.provider.Name(), Started: time.Now()}
	defer func() { report.Finished = time.Now() }()

	spaces, err := b.provider.GetSpaces(ctx)
	if err != nil {
		return report, err
	}
	for {
		if err := b.stopped(ctx); err != nil {
			return report, err
		}
		more, err := spaces.HasNext(ctx)
		if err != nil {
			return report, err
		}
		if !more {
			break
		}
		spaceID, err := spaces.Next(ctx)
		if err != nil {
			return report, err
		}
		sr, err := b.buildSpace(ctx, spaceID)
		report.Spaces = append(report.Spaces, sr)
		report.TotalItems += sr.Items
		report.TotalBytes += sr.Bytes
		if err != nil {
			return report, err
		}
	}
	report.Complete = true
	b.log.Info("Storage report built",
		slog.String("provider", report.Provider),
		slog.Int("spaces", len(report.Spaces)),
		slog.Int64("items", report.TotalItems),
		slog.Int64("bytes", report.TotalBytes),
		slog.Duration("duration", time.Since(report.Started)))
	return report, nil
}

func (b *Builder) stopped(ctx context.Context) error {
	if b.cancelled.Load() {
		return ErrCancelled
	}
	return ctx.Err()
}

func (b *Builder) buildSpace(ctx context.Context, spaceID string) (SpaceReport, error) {
	sr := SpaceReport{SpaceID: spaceID, MimeTypes: map[string]MimeStat{}}
	it, err := b.provider.GetSpaceContents(ctx, spaceID, "")
	if err != nil {
		return sr, err
	}
	for {
		if err := b.stopped(ctx); err != nil {
			return sr, err
		}
		more, err := it.HasNext(ctx)
		if err != nil {
			return sr, err
		}
		if !more {
			return sr, nil
		}
		id, err := it.Next(ctx)
		if err != nil {
			return sr, err
		}
		if _, _, ok := chunk.ParseChunkID(id); ok {
			continue
		}

		size, mimeType, err := b.itemStats(ctx, spaceID, id)
		if interfaces.IsNotFound(err) {
			// Removed while listing.
			continue
		}
		if err != nil {
			return sr, err
		}
		sr.Items++
		sr.Bytes += size
		st := sr.MimeTypes[mimeType]
		st.Items++
		st.Bytes += size
		sr.MimeTypes[mimeType] = st
	}
}

func (b *Builder) itemStats(ctx context.Context, spaceID, id string) (int64, string, error) {
	if parent, ok := chunk.ParseManifestID(id); ok {
		m, err := chunk.LoadManifest(ctx, b.provider, spaceID, parent)
		if err == nil {
			return m.Header.ByteSize, m.Header.MimeType, nil
		}
		if interfaces.IsNotFound(err) {
			return 0, "", err
		}
		b.log.Warn("Counting unreadable manifest as plain content",
			slog.String("space_id", spaceID),
			slog.String("content_id", id),
			"err", err)
	}
	meta, err := b.provider.GetContentMetadata(ctx, spaceID, id)
	if err != nil {
		return 0, "", err
	}
	size, _ := strconv.ParseInt(meta[interfaces.ContentSize], 10, 64)
	return size, meta[interfaces.ContentMimetype], nil
}
