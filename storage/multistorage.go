package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/spacestore/interfaces"
)

// MirrorProvider federates several providers behind one StorageProvider.
// Listings and metadata come from the primary. Writes go to the primary and
// are then copied from it to every mirror; reads fall back through the mirrors
// when the primary fails. A mirror failure is logged and never fails the call.
type MirrorProvider struct {
	primary interfaces.StorageProvider
	mirrors []interfaces.StorageProvider
	log     *slog.Logger
}

var _ interfaces.StorageProvider = (*MirrorProvider)(nil)

// NewMirrorProvider creates a provider writing through primary to mirrors.
func NewMirrorProvider(primary interfaces.StorageProvider, mirrors []interfaces.StorageProvider, logger *slog.Logger) *MirrorProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirrorProvider{primary: primary, mirrors: mirrors, log: logger}
}

// eachMirror applies fn to every mirror, logging failures.
func (m *MirrorProvider) eachMirror(op, spaceID, contentID string, fn func(p interfaces.StorageProvider) error) {
	for _, mirror := range m.mirrors {
		if err := fn(mirror); err != nil {
			m.log.Warn("Mirror operation failed",
				slog.String("op", op),
				slog.String("backend_name", mirror.Name()),
				slog.String("space_id", spaceID),
				slog.String("content_id", contentID),
				"err", err)
		}
	}
}

func (m *MirrorProvider) GetSpaces(ctx context.Context) (interfaces.ContentIterator, error) {
	return m.primary.GetSpaces(ctx)
}

func (m *MirrorProvider) CreateSpace(ctx context.Context, spaceID string) error {
	if err := m.primary.CreateSpace(ctx, spaceID); err != nil {
		return err
	}
	m.eachMirror("createSpace", spaceID, "", func(p interfaces.StorageProvider) error {
		err := p.CreateSpace(ctx, spaceID)
		if errors.Is(err, interfaces.ErrSpaceAlreadyExists) {
			return nil
		}
		return err
	})
	return nil
}

func (m *MirrorProvider) DeleteSpace(ctx context.Context, spaceID string) error {
	if err := m.primary.DeleteSpace(ctx, spaceID); err != nil {
		return err
	}
	m.eachMirror("deleteSpace", spaceID, "", func(p interfaces.StorageProvider) error {
		if err := p.DeleteSpace(ctx, spaceID); err != nil && !interfaces.IsNotFound(err) {
			return err
		}
		return nil
	})
	return nil
}

func (m *MirrorProvider) GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error) {
	return m.primary.GetSpaceMetadata(ctx, spaceID)
}

func (m *MirrorProvider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error {
	if err := m.primary.SetSpaceMetadata(ctx, spaceID, metadata); err != nil {
		return err
	}
	m.eachMirror("setSpaceMetadata", spaceID, "", func(p interfaces.StorageProvider) error {
		return p.SetSpaceMetadata(ctx, spaceID, metadata)
	})
	return nil
}

func (m *MirrorProvider) GetSpaceAccess(ctx context.Context, spaceID string) (interfaces.AccessType, error) {
	return m.primary.GetSpaceAccess(ctx, spaceID)
}

func (m *MirrorProvider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) error {
	if err := m.primary.SetSpaceAccess(ctx, spaceID, access); err != nil {
		return err
	}
	m.eachMirror("setSpaceAccess", spaceID, "", func(p interfaces.StorageProvider) error {
		return p.SetSpaceAccess(ctx, spaceID, access)
	})
	return nil
}

func (m *MirrorProvider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (interfaces.ContentIterator, error) {
	return m.primary.GetSpaceContents(ctx, spaceID, prefix)
}

func (m *MirrorProvider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error) {
	return m.primary.GetSpaceContentsChunked(ctx, spaceID, prefix, maxResults, marker)
}

// AddContent stores content on the primary, then replicates the stored
// bytes from the primary to each mirror, verified against its checksum.
func (m *MirrorProvider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (string, error) {
	start := time.Now()
	sum, err := m.primary.AddContent(ctx, spaceID, contentID, mimeType, metadata, size, expected, content)
	if err != nil {
		return sum, err
	}

	m.eachMirror("addContent", spaceID, contentID, func(p interfaces.StorageProvider) error {
		r, err := m.primary.GetContent(ctx, spaceID, contentID)
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = p.AddContent(ctx, spaceID, contentID, mimeType, metadata, size, sum, r)
		return err
	})

	m.log.Debug("Stored mirrored content",
		slog.String("space_id", spaceID),
		slog.String("content_id", contentID),
		slog.Int("mirrors", len(m.mirrors)),
		slog.Duration("duration", time.Since(start)))
	return sum, nil
}

// GetContent reads from the first provider that has the content.
func (m *MirrorProvider) GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error) {
	start := time.Now()
	var errs []error
	for _, p := range m.all() {
		r, err := p.GetContent(ctx, spaceID, contentID)
		if err == nil {
			if len(errs) > 0 {
				m.log.Info("Fetched content from fallback provider",
					slog.String("backend_name", p.Name()),
					slog.String("content_id", contentID),
					slog.Duration("duration", time.Since(start)))
			}
			return r, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		m.log.Debug("Failed to fetch from provider",
			slog.String("backend_name", p.Name()),
			slog.String("content_id", contentID),
			"err", err)
	}

	m.log.Error("All providers failed to fetch content",
		slog.String("space_id", spaceID),
		slog.String("content_id", contentID),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))
	// The primary's error carries the classification callers act on.
	return nil, errs[0]
}

func (m *MirrorProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	return m.primary.GetContentMetadata(ctx, spaceID, contentID)
}

func (m *MirrorProvider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error {
	if err := m.primary.SetContentMetadata(ctx, spaceID, contentID, metadata); err != nil {
		return err
	}
	m.eachMirror("setContentMetadata", spaceID, contentID, func(p interfaces.StorageProvider) error {
		return p.SetContentMetadata(ctx, spaceID, contentID, metadata)
	})
	return nil
}

func (m *MirrorProvider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	if err := m.primary.DeleteContent(ctx, spaceID, contentID); err != nil {
		return err
	}
	m.eachMirror("deleteContent", spaceID, contentID, func(p interfaces.StorageProvider) error {
		if err := p.DeleteContent(ctx, spaceID, contentID); err != nil && !interfaces.IsNotFound(err) {
			return err
		}
		return nil
	})
	return nil
}

func (m *MirrorProvider) all() []interfaces.StorageProvider {
	return append([]interfaces.StorageProvider{m.primary}, m.mirrors...)
}

// Name returns the name of this provider.
func (m *MirrorProvider) Name() string {
	return "mirror-" + m.primary.Name()
}

// LocationURI returns a combined location of all providers.
func (m *MirrorProvider) LocationURI() string {
	var locations []string
	for _, p := range m.all() {
		locations = append(locations, p.LocationURI())
	}
	return "mirror:[" + strings.Join(locations, ",") + "]"
}
