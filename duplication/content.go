package duplication

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/ruteri/spacestore/interfaces"
	"github.com/ruteri/spacestore/retry"
)

// ContentDuplicator mirrors content items. Chunks and manifests are ordinary
// items to it, so chunked content is replicated in its stored form.
type ContentDuplicator struct {
	from   interfaces.StorageProvider
	to     interfaces.StorageProvider
	spaces *SpaceDuplicator
	status *Status
	policy retry.Policy
	log    *slog.Logger
}

// NewContentDuplicator creates a ContentDuplicator sharing the status and
// retry policy of spaces, which it uses to create missing target spaces.
func NewContentDuplicator(spaces *SpaceDuplicator) *ContentDuplicator {
	return &ContentDuplicator{
		from:   spaces.from,
		to:     spaces.to,
		spaces: spaces,
		status: spaces.status,
		policy: spaces.policy,
		log:    spaces.log,
	}
}

func (d *ContentDuplicator) do(ctx context.Context, op, spaceID, contentID string, fn func(ctx context.Context) error) (err error) {
	done := d.status.begin()
	start := time.Now()
	defer func() {
		done(err)
		if err != nil {
			d.log.Error("Content duplication failed",
				slog.String("op", op),
				slog.String("space_id", spaceID),
				slog.String("content_id", contentID),
				slog.String("target", d.to.Name()),
				"err", err,
				slog.Duration("duration", time.Since(start)))
			return
		}
		d.log.Debug("Duplicated content",
			slog.String("op", op),
			slog.String("space_id", spaceID),
			slog.String("content_id", contentID),
			slog.Duration("duration", time.Since(start)))
	}()
	return retry.Do(ctx, d.policy, fn, func(err error, attempt int, wait time.Duration) {
		d.status.retried()
		d.log.Warn("Retrying content duplication",
			slog.String("op", op),
			slog.String("space_id", spaceID),
			slog.String("content_id", contentID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			"err", err)
	})
}

// CreateContent copies an item to the target, verified by the source
// checksum. A missing target space is created and the copy retried.
func (d *ContentDuplicator) CreateContent(ctx context.Context, spaceID, contentID string) error {
	return d.do(ctx, "createContent", spaceID, contentID, func(ctx context.Context) error {
		err := d.copyContent(ctx, spaceID, contentID)
		var te *targetError
		if errors.As(err, &te) && errors.Is(err, interfaces.ErrSpaceNotFound) {
			if err := d.spaces.ensure(ctx, spaceID); err != nil {
				return err
			}
			return d.copyContent(ctx, spaceID, contentID)
		}
		return err
	})
}

// UpdateContent copies the item metadata. A target lacking the item gets a
// full copy instead.
func (d *ContentDuplicator) UpdateContent(ctx context.Context, spaceID, contentID string) error {
	return d.do(ctx, "updateContent", spaceID, contentID, func(ctx context.Context) error {
		meta, err := d.from.GetContentMetadata(ctx, spaceID, contentID)
		if err != nil {
			return err
		}
		err = d.to.SetContentMetadata(ctx, spaceID, contentID, copyableMetadata(meta))
		if !interfaces.IsNotFound(err) {
			return err
		}
		if errors.Is(err, interfaces.ErrSpaceNotFound) {
			if err := d.spaces.ensure(ctx, spaceID); err != nil {
				return err
			}
		}
		return d.copyContent(ctx, spaceID, contentID)
	})
}

// DeleteContent removes an item from the target. A missing item is not an
// error.
func (d *ContentDuplicator) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	return d.do(ctx, "deleteContent", spaceID, contentID, func(ctx context.Context) error {
		err := d.to.DeleteContent(ctx, spaceID, contentID)
		if interfaces.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// targetError marks a failure reported by the target, telling a missing
// target space apart from a missing source space.
type targetError struct {
	err error
}

func (e *targetError) Error() string { return e.err.Error() }
func (e *targetError) Unwrap() error { return e.err }

func (d *ContentDuplicator) copyContent(ctx context.Context, spaceID, contentID string) error {
	meta, err := d.from.GetContentMetadata(ctx, spaceID, contentID)
	if err != nil {
		return err
	}
	r, err := d.from.GetContent(ctx, spaceID, contentID)
	if err != nil {
		return err
	}
	defer r.Close()

	size := int64(-1)
	if s, perr := strconv.ParseInt(meta[interfaces.ContentSize], 10, 64); perr == nil {
		size = s
	}
	_, err = d.to.AddContent(ctx, spaceID, contentID, meta[interfaces.ContentMimetype],
		copyableMetadata(meta), size, meta[interfaces.ContentChecksum], r)
	if err != nil {
		return &targetError{err: err}
	}
	return nil
}

// copyableMetadata drops the calculated keys every provider derives itself.
func copyableMetadata(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		switch k {
		case interfaces.ContentChecksum, interfaces.ContentSize, interfaces.ContentModified:
			continue
		}
		out[k] = v
	}
	return out
}
