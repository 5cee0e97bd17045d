// Package duplication replicates spaces and content from one storage provider
// to another. A target that lacks the space or item being updated has it
// created first and the update retried. Transient failures are retried with
// backoff; every operation is counted in a shared Status.
package duplication

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/spacestore/interfaces"
	"github.com/ruteri/spacestore/retry"
)

// SpaceDuplicator mirrors space lifecycle, metadata and access.
type SpaceDuplicator struct {
	from   interfaces.StorageProvider
	to     interfaces.StorageProvider
	status *Status
	policy retry.Policy
	log    *slog.Logger
}

// NewSpaceDuplicator creates a SpaceDuplicator. A nil status gets a private one.
func NewSpaceDuplicator(from, to interfaces.StorageProvider, status *Status, policy retry.Policy, log *slog.Logger) *SpaceDuplicator {
	if status == nil {
		status = NewStatus()
	}
	if log == nil {
		log = slog.Default()
	}
	return &SpaceDuplicator{from: from, to: to, status: status, policy: policy, log: log}
}

// Status returns the counters this duplicator reports into.
func (d *SpaceDuplicator) Status() *Status {
	return d.status
}

func (d *SpaceDuplicator) do(ctx context.Context, op, spaceID string, fn func(ctx context.Context) error) (err error) {
	done := d.status.begin()
	start := time.Now()
	defer func() {
		done(err)
		if err != nil {
			d.log.Error("Space duplication failed",
				slog.String("op", op),
				slog.String("space_id", spaceID),
				slog.String("target", d.to.Name()),
				"err", err,
				slog.Duration("duration", time.Since(start)))
			return
		}
		d.log.Debug("Duplicated space",
			slog.String("op", op),
			slog.String("space_id", spaceID),
			slog.Duration("duration", time.Since(start)))
	}()
	return retry.Do(ctx, d.policy, fn, func(err error, attempt int, wait time.Duration) {
		d.status.retried()
		d.log.Warn("Retrying space duplication",
			slog.String("op", op),
			slog.String("space_id", spaceID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			"err", err)
	})
}

// CreateSpace creates spaceID on the target and copies its metadata. An
// existing target space is updated instead.
func (d *SpaceDuplicator) CreateSpace(ctx context.Context, spaceID string) error {
	return d.do(ctx, "createSpace", spaceID, func(ctx context.Context) error {
		return d.create(ctx, spaceID)
	})
}

func (d *SpaceDuplicator) create(ctx context.Context, spaceID string) error {
	err := d.to.CreateSpace(ctx, spaceID)
	if err != nil && !errors.Is(err, interfaces.ErrSpaceAlreadyExists) {
		return err
	}
	return d.copyMetadata(ctx, spaceID)
}

// ensure creates the target space when it is missing.
func (d *SpaceDuplicator) ensure(ctx context.Context, spaceID string) error {
	_, err := d.to.GetSpaceMetadata(ctx, spaceID)
	if interfaces.IsNotFound(err) {
		d.log.Info("Creating missing target space", slog.String("space_id", spaceID), slog.String("target", d.to.Name()))
		return d.create(ctx, spaceID)
	}
	return err
}

// UpdateSpace copies the space metadata, creating the target space first if
// it does not exist.
func (d *SpaceDuplicator) UpdateSpace(ctx context.Context, spaceID string) error {
	return d.do(ctx, "updateSpace", spaceID, func(ctx context.Context) error {
		err := d.copyMetadata(ctx, spaceID)
		if errors.Is(err, errTargetMissing) {
			return d.create(ctx, spaceID)
		}
		return err
	})
}

// UpdateSpaceAccess copies the access type.
func (d *SpaceDuplicator) UpdateSpaceAccess(ctx context.Context, spaceID string) error {
	return d.do(ctx, "updateSpaceAccess", spaceID, func(ctx context.Context) error {
		access, err := d.from.GetSpaceAccess(ctx, spaceID)
		if err != nil {
			return err
		}
		err = d.to.SetSpaceAccess(ctx, spaceID, access)
		if interfaces.IsNotFound(err) {
			return d.create(ctx, spaceID)
		}
		return err
	})
}

// DeleteSpace removes spaceID from the target. A missing target space is
// not an error.
func (d *SpaceDuplicator) DeleteSpace(ctx context.Context, spaceID string) error {
	return d.do(ctx, "deleteSpace", spaceID, func(ctx context.Context) error {
		err := d.to.DeleteSpace(ctx, spaceID)
		if interfaces.IsNotFound(err) {
			return nil
		}
		return err
	})
}

var errTargetMissing = errors.New("target space missing")

// copyMetadata copies user metadata, created date and access. The count is
// derived by every provider and is not copied.
func (d *SpaceDuplicator) copyMetadata(ctx context.Context, spaceID string) error {
	meta, err := d.from.GetSpaceMetadata(ctx, spaceID)
	if err != nil {
		return err
	}
	delete(meta, interfaces.SpaceCount)
	err = d.to.SetSpaceMetadata(ctx, spaceID, meta)
	if interfaces.IsNotFound(err) {
		return errTargetMissing
	}
	return err
}
