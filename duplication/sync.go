package duplication

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/interfaces"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// SyncOptions controls a SpaceSync run.
type SyncOptions struct {
	// Prefix limits the sync to content ids starting with it.
	Prefix string

	// Workers bounds concurrent item copies.
	Workers int

	// DeleteExtraneous removes target items absent from the source.
	DeleteExtraneous bool

	// FailFast aborts the run at the first failed item.
	FailFast bool
}

// SyncResult summarizes a SpaceSync run.
type SyncResult struct {
	Copied   int64         `json:"copied"`
	Skipped  int64         `json:"skipped"`
	Deleted  int64         `json:"deleted"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// SpaceSync brings a target space in line with its source.
type SpaceSync struct {
	spaces   *SpaceDuplicator
	contents *ContentDuplicator
	opts     SyncOptions
	log      *slog.Logger
}

// NewSpaceSync creates a SpaceSync over the providers of spaces.
func NewSpaceSync(spaces *SpaceDuplicator, opts SyncOptions) *SpaceSync {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &SpaceSync{
		spaces:   spaces,
		contents: NewContentDuplicator(spaces),
		opts:     opts,
		log:      spaces.log,
	}
}

// Run copies every source item whose checksum differs on the target. Item
// failures are counted and joined into the returned error; the run goes on
// unless FailFast is set.
func (s *SpaceSync) Run(ctx context.Context, spaceID string) (SyncResult, error) {
	start := time.Now()
	var copied, skipped, deleted, failed atomic.Int64
	result := func() SyncResult {
		return SyncResult{
			Copied:   copied.Load(),
			Skipped:  skipped.Load(),
			Deleted:  deleted.Load(),
			Failed:   failed.Load(),
			Duration: time.Since(start),
		}
	}

	if err := s.spaces.CreateSpace(ctx, spaceID); err != nil {
		return result(), err
	}

	it, err := s.spaces.from.GetSpaceContents(ctx, spaceID, s.opts.Prefix)
	if err != nil {
		return result(), err
	}

	var mu sync.Mutex
	var errs []error
	seen := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for gctx.Err() == nil {
		more, err := it.HasNext(gctx)
		if err != nil {
			g.Wait()
			return result(), err
		}
		if !more {
			break
		}
		id, err := it.Next(gctx)
		if err != nil {
			g.Wait()
			return result(), err
		}
		seen[id] = struct{}{}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			same, err := s.inSync(gctx, spaceID, id)
			if err == nil && same {
				skipped.Inc()
				return nil
			}
			if err == nil {
				err = s.contents.CreateContent(gctx, spaceID, id)
			}
			if err != nil {
				failed.Inc()
				if s.opts.FailFast {
					return err
				}
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			copied.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result(), err
	}
	if err := ctx.Err(); err != nil {
		return result(), err
	}

	if s.opts.DeleteExtraneous {
		if err := s.deleteExtraneous(ctx, spaceID, seen, &deleted, &failed, &errs); err != nil {
			return result(), err
		}
	}

	res := result()
	s.log.Info("Space sync finished",
		slog.String("space_id", spaceID),
		slog.String("target", s.spaces.to.Name()),
		slog.Int64("copied", res.Copied),
		slog.Int64("skipped", res.Skipped),
		slog.Int64("deleted", res.Deleted),
		slog.Int64("failed", res.Failed),
		slog.Duration("duration", res.Duration))
	return res, errors.Join(errs...)
}

// inSync reports whether the target holds the item with the source checksum.
func (s *SpaceSync) inSync(ctx context.Context, spaceID, contentID string) (bool, error) {
	src, err := s.spaces.from.GetContentMetadata(ctx, spaceID, contentID)
	if err != nil {
		return false, err
	}
	dst, err := s.spaces.to.GetContentMetadata(ctx, spaceID, contentID)
	if interfaces.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return checksum.Equal(src[interfaces.ContentChecksum], dst[interfaces.ContentChecksum]), nil
}

func (s *SpaceSync) deleteExtraneous(ctx context.Context, spaceID string, seen map[string]struct{}, deleted, failed *atomic.Int64, errs *[]error) error {
	it, err := s.spaces.to.GetSpaceContents(ctx, spaceID, s.opts.Prefix)
	if err != nil {
		return err
	}
	var extra []string
	for {
		more, err := it.HasNext(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
		id, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if _, ok := seen[id]; !ok {
			extra = append(extra, id)
		}
	}

	for _, id := range extra {
		if err := s.contents.DeleteContent(ctx, spaceID, id); err != nil {
			failed.Inc()
			if s.opts.FailFast {
				return err
			}
			*errs = append(*errs, err)
			continue
		}
		deleted.Inc()
	}
	return nil
}
