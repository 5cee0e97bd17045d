package interfaces

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// AccessType is the binary access model of a space.
type AccessType string

const (
	// AccessOpen makes space content readable without credentials.
	AccessOpen AccessType = "OPEN"
	// AccessClosed restricts space content to the account owner.
	AccessClosed AccessType = "CLOSED"
)

// ParseAccessType converts a case-insensitive string to an AccessType.
func ParseAccessType(s string) (AccessType, error) {
	switch AccessType(strings.ToUpper(strings.TrimSpace(s))) {
	case AccessOpen:
		return AccessOpen, nil
	case AccessClosed:
		return AccessClosed, nil
	default:
		return "", fmt.Errorf("invalid access type %q: expected OPEN or CLOSED", s)
	}
}

// String returns the access type name.
func (a AccessType) String() string {
	return string(a)
}

// Reserved space metadata keys.
const (
	SpaceCreated = "space-created"
	SpaceCount   = "space-count"
	SpaceAccess  = "space-access"
)

// Reserved, calculated content metadata keys.
const (
	ContentChecksum = "content-checksum"
	ContentSize     = "content-size"
	ContentModified = "content-modified"
	ContentMimetype = "content-mimetype"
)

const (
	// DefaultMimeType is used when a caller does not provide one.
	DefaultMimeType = "application/octet-stream"

	// DefaultMaxResults bounds a single listing page when the caller passes a non-positive limit.
	DefaultMaxResults = 1000
)

// ContentIterator is a single-pass, forward-only sequence of ids.
// It is not restartable; construct a new one to re-scan.
type ContentIterator interface {
	// HasNext reports whether another id is available, fetching the next
	// page from the backend when the current one is exhausted.
	HasNext(ctx context.Context) (bool, error)

	// Next returns the next id. After exhaustion it returns ErrNoMoreElements.
	// Page fetch failures are returned as errors rather than ending the sequence.
	Next(ctx context.Context) (string, error)
}

// StorageProvider exposes spaces and content items of one backend account.
type StorageProvider interface {
	// GetSpaces lists all spaces owned by the account.
	GetSpaces(ctx context.Context) (ContentIterator, error)

	// CreateSpace fails with a NO_RETRY StorageError if the space already exists.
	CreateSpace(ctx context.Context, spaceID string) error

	// DeleteSpace removes the space and everything in it.
	DeleteSpace(ctx context.Context, spaceID string) error

	// GetSpaceMetadata always includes space-created, space-count and space-access.
	GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error)

	// SetSpaceMetadata replaces the opaque space metadata. space-created is kept when
	// absent from the new map and space-access, if present, is applied as the ACL.
	SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error

	GetSpaceAccess(ctx context.Context, spaceID string) (AccessType, error)
	SetSpaceAccess(ctx context.Context, spaceID string, access AccessType) error

	// GetSpaceContents returns a lazy sequence of content ids starting with prefix.
	GetSpaceContents(ctx context.Context, spaceID, prefix string) (ContentIterator, error)

	// GetSpaceContentsChunked returns one page of at most maxResults ids that sort
	// strictly after marker. A non-positive maxResults means DefaultMaxResults.
	GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error)

	// AddContent streams content into the space and returns the checksum computed
	// over the stored bytes. A non-empty checksum argument is the expected value.
	AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, checksum string, content io.Reader) (string, error)

	GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error)
	GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error)
	SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error
	DeleteContent(ctx context.Context, spaceID, contentID string) error

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this provider, with secrets masked.
	LocationURI() string
}

// ProviderType names a backend implementation.
type ProviderType string

const (
	ProviderS3        ProviderType = "s3"
	ProviderAzure     ProviderType = "azure"
	ProviderSwift     ProviderType = "swift"
	ProviderRackspace ProviderType = "rackspace"
	ProviderGCS       ProviderType = "gcs"
	ProviderIPFS      ProviderType = "ipfs"
	ProviderFile      ProviderType = "file"
	ProviderMemory    ProviderType = "mem"
)

// ProviderLocation is a parsed provider URI.
type ProviderLocation struct {
	Raw      string     // Original URI
	Type     ProviderType
	Host     string     // Hostname
	Path     string     // Resource path
	Query    url.Values // Query parameters
	Username string
	Password string
}

// NewProviderLocation parses and validates a provider URI of the form
// [scheme]://[user:secret@]host[:port][/path][?params].
func NewProviderLocation(uri string) (ProviderLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ProviderLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	providerType := ProviderType(strings.ToLower(parsed.Scheme))
	switch providerType {
	case ProviderS3, ProviderAzure, ProviderSwift, ProviderRackspace, ProviderGCS, ProviderIPFS, ProviderFile, ProviderMemory:
		// Valid scheme
	default:
		return ProviderLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	loc := ProviderLocation{
		Raw:   uri,
		Type:  providerType,
		Host:  parsed.Host,
		Path:  parsed.Path,
		Query: parsed.Query(),
	}
	if parsed.User != nil {
		loc.Username = parsed.User.Username()
		loc.Password, _ = parsed.User.Password()
	}
	return loc, nil
}

// String returns the URI with any embedded secret redacted.
func (loc ProviderLocation) String() string {
	u, err := url.Parse(loc.Raw)
	if err != nil {
		return loc.Raw
	}
	return u.Redacted()
}

// GetParam returns a query parameter value.
func (loc ProviderLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc ProviderLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// StorageProviderFactory creates storage providers.
type StorageProviderFactory interface {
	// ProviderFor creates a provider from a parsed location.
	ProviderFor(ctx context.Context, location ProviderLocation) (StorageProvider, error)
}
