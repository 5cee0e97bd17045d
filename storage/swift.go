package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ncw/swift/v2"
	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/interfaces"
)

const (
	// RackspaceAuthURL is the Rackspace Cloud identity endpoint.
	RackspaceAuthURL = "https://identity.api.rackspacecloud.com/v2.0"

	swiftPublicRead = ".r:*,.rlistings"
)

// SwiftConfig configures a SwiftProvider.
type SwiftConfig struct {
	UserName string
	APIKey   string
	AuthURL  string
	Tenant   string
	Domain   string
	Region   string
	Prefix   string
	Timeout  time.Duration
	// Rackspace only changes how the provider names itself.
	Rackspace bool
}

// SwiftProvider implements StorageProvider on OpenStack Swift, including
// Rackspace Cloud Files. Space metadata uses native container metadata and
// Swift's marker listing maps directly onto the marker contract.
type SwiftProvider struct {
	conn        *swift.Connection
	prefix      string
	kind        string
	sums        *checksum.Util
	log         *slog.Logger
	locationURI string
}

var _ interfaces.StorageProvider = (*SwiftProvider)(nil)

// NewSwiftProvider creates a Swift provider and authenticates it.
func NewSwiftProvider(ctx context.Context, cfg SwiftConfig, log *slog.Logger) (*SwiftProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.AuthURL == "" {
		if !cfg.Rackspace {
			return nil, fmt.Errorf("swift provider requires an auth URL")
		}
		cfg.AuthURL = RackspaceAuthURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	conn := &swift.Connection{
		UserName: cfg.UserName,
		ApiKey:   cfg.APIKey,
		AuthUrl:  cfg.AuthURL,
		Tenant:   cfg.Tenant,
		Domain:   cfg.Domain,
		Region:   cfg.Region,
		Timeout:  timeout,
	}
	if err := conn.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("failed to authenticate with swift: %w", err)
	}

	kind := "swift"
	if cfg.Rackspace {
		kind = "rackspace"
	}
	return &SwiftProvider{
		conn:        conn,
		prefix:      normalizePrefix(cfg.Prefix),
		kind:        kind,
		sums:        checksum.NewUtil(checksum.MD5),
		log:         log,
		locationURI: fmt.Sprintf("%s://%s:***@%s", kind, cfg.UserName, strings.TrimPrefix(strings.TrimPrefix(cfg.AuthURL, "https://"), "http://")),
	}, nil
}

func (b *SwiftProvider) containerName(spaceID string) string {
	return containerName(b.prefix, spaceID)
}

// classifySwiftError maps ncw/swift failures onto the storage error taxonomy.
func classifySwiftError(op, spaceID, contentID string, err error) error {
	switch {
	case errors.Is(err, swift.ContainerNotFound):
		return interfaces.NewSpaceNotFound(spaceID)
	case errors.Is(err, swift.ObjectNotFound):
		if contentID == "" {
			return interfaces.NewSpaceNotFound(spaceID)
		}
		return interfaces.NewContentNotFound(spaceID, contentID)
	}
	var swiftErr *swift.Error
	if errors.As(err, &swiftErr) {
		if swiftErr.StatusCode >= http.StatusInternalServerError || swiftErr.StatusCode == http.StatusTooManyRequests ||
			swiftErr.StatusCode == http.StatusRequestTimeout {
			return interfaces.NewRetryError(op, spaceID, contentID, err)
		}
		return interfaces.NewNoRetryError(op, spaceID, contentID, err)
	}
	return interfaces.NewRetryError(op, spaceID, contentID, err)
}

func (b *SwiftProvider) containerInfo(ctx context.Context, op, spaceID string) (swift.Container, swift.Headers, error) {
	info, headers, err := b.conn.Container(ctx, b.containerName(spaceID))
	if err != nil {
		return info, headers, classifySwiftError(op, spaceID, "", err)
	}
	return info, headers, nil
}

func (b *SwiftProvider) GetSpaces(ctx context.Context) (interfaces.ContentIterator, error) {
	opts := &swift.ContainersOpts{}
	if b.prefix != "" {
		opts.Prefix = b.prefix
	}
	names, err := b.conn.ContainerNamesAll(ctx, opts)
	if err != nil {
		return nil, classifySwiftError("getSpaces", "", "", err)
	}
	spaces := make([]string, 0, len(names))
	for _, name := range names {
		if spaceID, ok := spaceIDFromContainer(b.prefix, name); ok {
			spaces = append(spaces, spaceID)
		}
	}
	sort.Strings(spaces)
	return NewSliceIterator(spaces), nil
}

func (b *SwiftProvider) CreateSpace(ctx context.Context, spaceID string) error {
	if err := ValidateSpaceID(spaceID); err != nil {
		return err
	}
	if _, _, err := b.containerInfo(ctx, "createSpace", spaceID); err == nil {
		return interfaces.NewNoRetryError("createSpace", spaceID, "", interfaces.ErrSpaceAlreadyExists)
	}
	headers := swift.Metadata{interfaces.SpaceCreated: FormatDate(time.Now())}.ContainerHeaders()
	if err := b.conn.ContainerCreate(ctx, b.containerName(spaceID), headers); err != nil {
		b.log.Error("Failed to create Swift container",
			slog.String("container", b.containerName(spaceID)),
			"err", err)
		return classifySwiftError("createSpace", spaceID, "", err)
	}
	return nil
}

func (b *SwiftProvider) DeleteSpace(ctx context.Context, spaceID string) error {
	name := b.containerName(spaceID)
	objects, err := b.conn.ObjectNamesAll(ctx, name, nil)
	if err != nil {
		return classifySwiftError("deleteSpace", spaceID, "", err)
	}
	for _, object := range objects {
		if err := b.conn.ObjectDelete(ctx, name, object); err != nil && !errors.Is(err, swift.ObjectNotFound) {
			return classifySwiftError("deleteSpace", spaceID, object, err)
		}
	}
	if err := b.conn.ContainerDelete(ctx, name); err != nil {
		return classifySwiftError("deleteSpace", spaceID, "", err)
	}
	return nil
}

func swiftAccess(headers swift.Headers) interfaces.AccessType {
	if strings.Contains(headers["X-Container-Read"], ".r:") {
		return interfaces.AccessOpen
	}
	return interfaces.AccessClosed
}

func (b *SwiftProvider) GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error) {
	info, headers, err := b.containerInfo(ctx, "getSpaceMetadata", spaceID)
	if err != nil {
		return nil, err
	}
	user := normalizeKeys(headers.ContainerMetadata())
	return spaceMetadata(user, user[interfaces.SpaceCreated], info.Count, swiftAccess(headers)), nil
}

func (b *SwiftProvider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error {
	user, access, created, err := splitSpaceMetadata(spaceID, metadata)
	if err != nil {
		return err
	}
	_, current, err := b.containerInfo(ctx, "setSpaceMetadata", spaceID)
	if err != nil {
		return err
	}
	existing := normalizeKeys(current.ContainerMetadata())
	if created == "" {
		created = existing[interfaces.SpaceCreated]
	}
	if created != "" {
		user[interfaces.SpaceCreated] = created
	}

	headers := swift.Metadata(user).ContainerHeaders()
	for key := range existing {
		if _, ok := user[key]; !ok {
			headers["X-Remove-Container-Meta-"+key] = "x"
		}
	}
	applyAccessHeaders(headers, access)
	if err := b.conn.ContainerUpdate(ctx, b.containerName(spaceID), headers); err != nil {
		return classifySwiftError("setSpaceMetadata", spaceID, "", err)
	}
	return nil
}

func applyAccessHeaders(headers swift.Headers, access *interfaces.AccessType) {
	if access == nil {
		return
	}
	if *access == interfaces.AccessOpen {
		headers["X-Container-Read"] = swiftPublicRead
	} else {
		headers["X-Remove-Container-Read"] = "x"
	}
}

func (b *SwiftProvider) GetSpaceAccess(ctx context.Context, spaceID string) (interfaces.AccessType, error) {
	_, headers, err := b.containerInfo(ctx, "getSpaceAccess", spaceID)
	if err != nil {
		return "", err
	}
	return swiftAccess(headers), nil
}

func (b *SwiftProvider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) error {
	headers := swift.Headers{}
	applyAccessHeaders(headers, &access)
	if err := b.conn.ContainerUpdate(ctx, b.containerName(spaceID), headers); err != nil {
		return classifySwiftError("setSpaceAccess", spaceID, "", err)
	}
	return nil
}

func (b *SwiftProvider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (interfaces.ContentIterator, error) {
	if _, _, err := b.containerInfo(ctx, "getSpaceContents", spaceID); err != nil {
		return nil, err
	}
	return chunkedIterator(b, spaceID, prefix), nil
}

func (b *SwiftProvider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error) {
	limit := effectiveMaxResults(maxResults)
	names, err := b.conn.ObjectNames(ctx, b.containerName(spaceID), &swift.ObjectsOpts{
		Limit:  limit,
		Prefix: prefix,
		Marker: marker,
	})
	if err != nil {
		return nil, classifySwiftError("getSpaceContents", spaceID, "", err)
	}
	// Some Swift-compatible endpoints ignore limit.
	if len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

func (b *SwiftProvider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (string, error) {
	start := time.Now()
	if err := ValidateContentID(spaceID, contentID); err != nil {
		return "", err
	}
	if _, _, err := b.containerInfo(ctx, "addContent", spaceID); err != nil {
		return "", err
	}

	digest := checksum.NewDigestReader(content, b.sums.Algorithm())
	headers := swift.Metadata(userContentMetadata(metadata)).ObjectHeaders()
	respHeaders, err := b.conn.ObjectPut(ctx, b.containerName(spaceID), contentID, digest, false, "", defaultMimeType(mimeType), headers)
	if err != nil {
		b.log.Error("Failed to upload object to Swift",
			slog.String("container", b.containerName(spaceID)),
			slog.String("object", contentID),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return "", classifySwiftError("addContent", spaceID, contentID, err)
	}
	actual := digest.Checksum()

	if etag := respHeaders["Etag"]; etag != "" && !checksum.Equal(etag, actual) {
		return "", interfaces.NewChecksumMismatch("addContent", spaceID, contentID, actual, checksum.Normalize(etag))
	}

	b.log.Debug("Stored content in Swift",
		slog.String("container", b.containerName(spaceID)),
		slog.String("object", contentID),
		slog.Int64("size", digest.Count()),
		slog.Duration("duration", time.Since(start)))

	if expected != "" && !checksum.Equal(expected, actual) {
		return actual, interfaces.NewChecksumMismatch("addContent", spaceID, contentID, expected, actual)
	}
	return actual, nil
}

func (b *SwiftProvider) GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error) {
	file, _, err := b.conn.ObjectOpen(ctx, b.containerName(spaceID), contentID, false, nil)
	if err != nil {
		return nil, b.contentError(ctx, "getContent", spaceID, contentID, err)
	}
	return file, nil
}

// contentError distinguishes a missing container from a missing object,
// since Swift reports both as 404 on object requests.
func (b *SwiftProvider) contentError(ctx context.Context, op, spaceID, contentID string, err error) error {
	classified := classifySwiftError(op, spaceID, contentID, err)
	if errors.Is(classified, interfaces.ErrContentNotFound) {
		if _, _, serr := b.containerInfo(ctx, op, spaceID); serr != nil {
			return serr
		}
	}
	return classified
}

func (b *SwiftProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	info, headers, err := b.conn.Object(ctx, b.containerName(spaceID), contentID)
	if err != nil {
		return nil, b.contentError(ctx, "getContentMetadata", spaceID, contentID, err)
	}
	return contentMetadata(headers.ObjectMetadata(), info.ContentType, info.Bytes, info.Hash, info.LastModified), nil
}

func (b *SwiftProvider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error {
	info, _, err := b.conn.Object(ctx, b.containerName(spaceID), contentID)
	if err != nil {
		return b.contentError(ctx, "setContentMetadata", spaceID, contentID, err)
	}
	headers := swift.Metadata(userContentMetadata(metadata)).ObjectHeaders()
	mimeType := info.ContentType
	if mt := normalizeKeys(metadata)[interfaces.ContentMimetype]; mt != "" {
		mimeType = mt
	}
	headers["Content-Type"] = defaultMimeType(mimeType)
	if err := b.conn.ObjectUpdate(ctx, b.containerName(spaceID), contentID, headers); err != nil {
		return b.contentError(ctx, "setContentMetadata", spaceID, contentID, err)
	}
	return nil
}

func (b *SwiftProvider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	if err := b.conn.ObjectDelete(ctx, b.containerName(spaceID), contentID); err != nil {
		return b.contentError(ctx, "deleteContent", spaceID, contentID, err)
	}
	return nil
}

// Name returns a unique identifier for this storage backend.
func (b *SwiftProvider) Name() string {
	return fmt.Sprintf("%s-%s", b.kind, b.conn.UserName)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *SwiftProvider) LocationURI() string {
	return b.locationURI
}
