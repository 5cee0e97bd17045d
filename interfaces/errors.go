package interfaces

import (
	"errors"
	"fmt"

	"google.golang.org/api/iterator"
)

// RetryPolicy classifies a storage failure.
type RetryPolicy int

const (
	// NoRetry marks semantic failures; repeating the identical call will not help.
	NoRetry RetryPolicy = iota
	// Retry marks transient backend or network failures.
	Retry
)

// String returns RETRY or NO_RETRY.
func (p RetryPolicy) String() string {
	if p == Retry {
		return "RETRY"
	}
	return "NO_RETRY"
}

var (
	// ErrNotFound is matched by every not-found condition.
	ErrNotFound = errors.New("not found")

	// ErrSpaceNotFound is returned when the named space does not exist.
	ErrSpaceNotFound = fmt.Errorf("space %w", ErrNotFound)

	// ErrContentNotFound is returned when the named content item does not exist.
	ErrContentNotFound = fmt.Errorf("content %w", ErrNotFound)

	// ErrSpaceAlreadyExists is returned by CreateSpace for an existing space.
	ErrSpaceAlreadyExists = errors.New("space already exists")

	// ErrChecksumMismatch is matched by every *ChecksumMismatchError.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidSpaceID is returned for space ids that cannot name a container.
	ErrInvalidSpaceID = errors.New("invalid space id")

	// ErrInvalidContentID is returned for empty, oversized or reserved content ids.
	ErrInvalidContentID = errors.New("invalid content id")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a provider location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")

	// ErrNoMoreElements is returned by ContentIterator.Next after exhaustion.
	ErrNoMoreElements = iterator.Done
)

// NotFoundError reports a missing space or content item. It is a distinct type
// from StorageError so callers can choose to create and retry.
type NotFoundError struct {
	SpaceID   string
	ContentID string
	Err       error // ErrSpaceNotFound or ErrContentNotFound
}

// NewSpaceNotFound returns a NotFoundError for a missing space.
func NewSpaceNotFound(spaceID string) error {
	return &NotFoundError{SpaceID: spaceID, Err: ErrSpaceNotFound}
}

// NewContentNotFound returns a NotFoundError for a missing content item.
func NewContentNotFound(spaceID, contentID string) error {
	return &NotFoundError{SpaceID: spaceID, ContentID: contentID, Err: ErrContentNotFound}
}

func (e *NotFoundError) Error() string {
	if e.ContentID != "" {
		return fmt.Sprintf("%v: %s/%s", e.Err, e.SpaceID, e.ContentID)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.SpaceID)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// StorageError wraps a backend failure with its retry classification.
type StorageError struct {
	Op        string
	SpaceID   string
	ContentID string
	Policy    RetryPolicy
	Err       error
}

// NewRetryError wraps a transient failure.
func NewRetryError(op, spaceID, contentID string, err error) error {
	return &StorageError{Op: op, SpaceID: spaceID, ContentID: contentID, Policy: Retry, Err: err}
}

// NewNoRetryError wraps a semantic failure.
func NewNoRetryError(op, spaceID, contentID string, err error) error {
	return &StorageError{Op: op, SpaceID: spaceID, ContentID: contentID, Policy: NoRetry, Err: err}
}

func (e *StorageError) Error() string {
	target := e.SpaceID
	if e.ContentID != "" {
		target += "/" + e.ContentID
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Op, target, e.Policy, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError reports a computed checksum differing from the expected one.
type ChecksumMismatchError struct {
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, computed %s", e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrChecksumMismatch) hold.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// NewChecksumMismatch returns a NO_RETRY StorageError wrapping a ChecksumMismatchError.
func NewChecksumMismatch(op, spaceID, contentID, expected, actual string) error {
	return NewNoRetryError(op, spaceID, contentID, &ChecksumMismatchError{Expected: expected, Actual: actual})
}

// IsNotFound reports whether err denotes a missing space or content item.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is a transient StorageError. Not-found and
// checksum failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsNotFound(err) || errors.Is(err, ErrChecksumMismatch) {
		return false
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Policy == Retry
	}
	return false
}
