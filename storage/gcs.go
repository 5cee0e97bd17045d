package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"cloud.google.com/go/storage"
	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/interfaces"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures a GCSProvider.
type GCSConfig struct {
	Project         string
	CredentialsFile string
	Endpoint        string
	Location        string
	Prefix          string
	// Anonymous disables authentication, for emulators.
	Anonymous bool
}

// GCSProvider implements StorageProvider on Google Cloud Storage. Spaces are
// buckets; space metadata is kept in a hidden sentinel object.
type GCSProvider struct {
	client      *storage.Client
	project     string
	location    string
	prefix      string
	sums        *checksum.Util
	log         *slog.Logger
	locationURI string
}

var _ interfaces.StorageProvider = (*GCSProvider)(nil)

// NewGCSProvider creates a GCS provider for the given project.
func NewGCSProvider(ctx context.Context, cfg GCSConfig, log *slog.Logger) (*GCSProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Project == "" {
		return nil, fmt.Errorf("gcs provider requires a project id")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}

	return &GCSProvider{
		client:      client,
		project:     cfg.Project,
		location:    cfg.Location,
		prefix:      normalizePrefix(cfg.Prefix),
		sums:        checksum.NewUtil(checksum.MD5),
		log:         log,
		locationURI: fmt.Sprintf("gcs://%s/", cfg.Project),
	}, nil
}

// Close releases resources associated with the client.
func (b *GCSProvider) Close() error {
	return b.client.Close()
}

func (b *GCSProvider) bucket(spaceID string) *storage.BucketHandle {
	return b.client.Bucket(containerName(b.prefix, spaceID))
}

// classifyGCSError maps cloud storage failures onto the storage error taxonomy.
func classifyGCSError(op, spaceID, contentID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrBucketNotExist):
		return interfaces.NewSpaceNotFound(spaceID)
	case errors.Is(err, storage.ErrObjectNotExist):
		if contentID == "" {
			return interfaces.NewSpaceNotFound(spaceID)
		}
		return interfaces.NewContentNotFound(spaceID, contentID)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound && contentID != "":
			// The library doesn't map every 404 onto its sentinels.
			return interfaces.NewContentNotFound(spaceID, contentID)
		case apiErr.Code == http.StatusNotFound:
			return interfaces.NewSpaceNotFound(spaceID)
		case apiErr.Code == http.StatusConflict:
			return interfaces.NewNoRetryError(op, spaceID, contentID, fmt.Errorf("%w: %v", interfaces.ErrSpaceAlreadyExists, err))
		case apiErr.Code >= http.StatusInternalServerError, apiErr.Code == http.StatusTooManyRequests,
			apiErr.Code == http.StatusRequestTimeout:
			return interfaces.NewRetryError(op, spaceID, contentID, err)
		default:
			return interfaces.NewNoRetryError(op, spaceID, contentID, err)
		}
	}
	return interfaces.NewRetryError(op, spaceID, contentID, err)
}

func (b *GCSProvider) requireSpace(ctx context.Context, spaceID string) error {
	if _, err := b.bucket(spaceID).Attrs(ctx); err != nil {
		return classifyGCSError("getSpace", spaceID, "", err)
	}
	return nil
}

func (b *GCSProvider) readProps(ctx context.Context, spaceID string) (spaceProperties, error) {
	r, err := b.bucket(spaceID).Object(spaceMetadataObject).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			if serr := b.requireSpace(ctx, spaceID); serr != nil {
				return spaceProperties{}, serr
			}
		}
		return spaceProperties{}, classifyGCSError("getSpaceMetadata", spaceID, "", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return spaceProperties{}, interfaces.NewRetryError("getSpaceMetadata", spaceID, "", err)
	}
	props, err := decodeSpaceProperties(data)
	if err != nil {
		return props, interfaces.NewNoRetryError("getSpaceMetadata", spaceID, "", err)
	}
	return props, nil
}

func (b *GCSProvider) writeProps(ctx context.Context, spaceID string, props spaceProperties) error {
	data, err := encodeSpaceProperties(props)
	if err != nil {
		return interfaces.NewNoRetryError("setSpaceMetadata", spaceID, "", err)
	}
	w := b.bucket(spaceID).Object(spaceMetadataObject).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return classifyGCSError("setSpaceMetadata", spaceID, "", err)
	}
	if err := w.Close(); err != nil {
		return classifyGCSError("setSpaceMetadata", spaceID, "", err)
	}
	return nil
}

func (b *GCSProvider) GetSpaces(ctx context.Context) (interfaces.ContentIterator, error) {
	it := b.client.Buckets(ctx, b.project)
	it.Prefix = b.prefix

	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyGCSError("getSpaces", "", "", err)
		}
		if spaceID, ok := spaceIDFromContainer(b.prefix, attrs.Name); ok {
			names = append(names, spaceID)
		}
	}
	sort.Strings(names)
	return NewSliceIterator(names), nil
}

func (b *GCSProvider) CreateSpace(ctx context.Context, spaceID string) error {
	start := time.Now()
	if err := ValidateSpaceID(spaceID); err != nil {
		return err
	}
	attrs := &storage.BucketAttrs{}
	if b.location != "" {
		attrs.Location = b.location
	}
	if err := b.bucket(spaceID).Create(ctx, b.project, attrs); err != nil {
		b.log.Error("Failed to create GCS bucket",
			slog.String("space_id", spaceID),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return classifyGCSError("createSpace", spaceID, "", err)
	}
	return b.writeProps(ctx, spaceID, spaceProperties{
		Created:  FormatDate(time.Now()),
		Access:   interfaces.AccessClosed.String(),
		Metadata: map[string]string{},
	})
}

func (b *GCSProvider) DeleteSpace(ctx context.Context, spaceID string) error {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return err
	}
	bucket := b.bucket(spaceID)
	it := bucket.Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return classifyGCSError("deleteSpace", spaceID, "", err)
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return classifyGCSError("deleteSpace", spaceID, attrs.Name, err)
		}
	}
	if err := bucket.Delete(ctx); err != nil {
		return classifyGCSError("deleteSpace", spaceID, "", err)
	}
	return nil
}

func (b *GCSProvider) GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error) {
	props, err := b.readProps(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	access, err := b.GetSpaceAccess(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	count, err := countContents(ctx, b, spaceID)
	if err != nil {
		return nil, err
	}
	return spaceMetadata(props.Metadata, props.Created, count, access), nil
}

func (b *GCSProvider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error {
	user, access, created, err := splitSpaceMetadata(spaceID, metadata)
	if err != nil {
		return err
	}
	props, err := b.readProps(ctx, spaceID)
	if err != nil {
		return err
	}
	if created != "" {
		props.Created = created
	}
	props.Metadata = user
	if err := b.writeProps(ctx, spaceID, props); err != nil {
		return err
	}
	if access != nil {
		return b.SetSpaceAccess(ctx, spaceID, *access)
	}
	return nil
}

// GetSpaceAccess reports OPEN when the bucket ACL grants allUsers read.
func (b *GCSProvider) GetSpaceAccess(ctx context.Context, spaceID string) (interfaces.AccessType, error) {
	rules, err := b.bucket(spaceID).ACL().List(ctx)
	if err != nil {
		return "", classifyGCSError("getSpaceAccess", spaceID, "", err)
	}
	for _, rule := range rules {
		if rule.Entity == storage.AllUsers {
			return interfaces.AccessOpen, nil
		}
	}
	return interfaces.AccessClosed, nil
}

func (b *GCSProvider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) error {
	acl := b.bucket(spaceID).ACL()
	var err error
	if access == interfaces.AccessOpen {
		err = acl.Set(ctx, storage.AllUsers, storage.RoleReader)
	} else {
		err = acl.Delete(ctx, storage.AllUsers)
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			// No public grant to remove.
			err = b.requireSpace(ctx, spaceID)
			if err != nil {
				return err
			}
		}
	}
	if err != nil {
		return classifyGCSError("setSpaceAccess", spaceID, "", err)
	}
	return nil
}

func (b *GCSProvider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (interfaces.ContentIterator, error) {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	return chunkedIterator(b, spaceID, prefix), nil
}

// GetSpaceContentsChunked lists from StartOffset, which is inclusive, so the
// marker item itself is skipped.
func (b *GCSProvider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error) {
	limit := effectiveMaxResults(maxResults)
	query := &storage.Query{Prefix: prefix, StartOffset: marker}
	if err := query.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, interfaces.NewNoRetryError("getSpaceContents", spaceID, "", err)
	}
	it := b.bucket(spaceID).Objects(ctx, query)

	ids := make([]string, 0, limit)
	for len(ids) < limit {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyGCSError("getSpaceContents", spaceID, "", err)
		}
		if attrs.Name == marker || attrs.Name == spaceMetadataObject {
			continue
		}
		ids = append(ids, attrs.Name)
	}
	return ids, nil
}

func (b *GCSProvider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (string, error) {
	start := time.Now()
	if err := ValidateContentID(spaceID, contentID); err != nil {
		return "", err
	}
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return "", err
	}

	w := b.bucket(spaceID).Object(contentID).NewWriter(ctx)
	w.ContentType = defaultMimeType(mimeType)
	w.Metadata = userContentMetadata(metadata)

	digest := checksum.NewDigestReader(content, b.sums.Algorithm())
	if _, err := io.Copy(w, digest); err != nil {
		w.Close()
		return "", classifyGCSError("addContent", spaceID, contentID, err)
	}
	if err := w.Close(); err != nil {
		b.log.Error("Failed to write GCS object",
			slog.String("space_id", spaceID),
			slog.String("content_id", contentID),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return "", classifyGCSError("addContent", spaceID, contentID, err)
	}
	actual := digest.Checksum()

	if stored := checksum.FromBytes(w.Attrs().MD5); stored != "" && !checksum.Equal(stored, actual) {
		return "", interfaces.NewRetryError("addContent", spaceID, contentID,
			&interfaces.ChecksumMismatchError{Expected: actual, Actual: stored})
	}

	b.log.Debug("Stored content in GCS",
		slog.String("space_id", spaceID),
		slog.String("content_id", contentID),
		slog.Int64("size", digest.Count()),
		slog.Duration("duration", time.Since(start)))

	if expected != "" && !checksum.Equal(expected, actual) {
		return actual, interfaces.NewChecksumMismatch("addContent", spaceID, contentID, expected, actual)
	}
	return actual, nil
}

// contentError tells a missing bucket apart from a missing object.
func (b *GCSProvider) contentError(ctx context.Context, op, spaceID, contentID string, err error) error {
	classified := classifyGCSError(op, spaceID, contentID, err)
	if errors.Is(classified, interfaces.ErrContentNotFound) {
		if serr := b.requireSpace(ctx, spaceID); serr != nil {
			return serr
		}
	}
	return classified
}

func (b *GCSProvider) GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error) {
	r, err := b.bucket(spaceID).Object(contentID).NewReader(ctx)
	if err != nil {
		return nil, b.contentError(ctx, "getContent", spaceID, contentID, err)
	}
	return r, nil
}

func (b *GCSProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	attrs, err := b.bucket(spaceID).Object(contentID).Attrs(ctx)
	if err != nil {
		return nil, b.contentError(ctx, "getContentMetadata", spaceID, contentID, err)
	}
	return contentMetadata(attrs.Metadata, attrs.ContentType, attrs.Size, checksum.FromBytes(attrs.MD5), attrs.Updated), nil
}

// SetContentMetadata rewrites the object onto itself, replacing its metadata.
func (b *GCSProvider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error {
	obj := b.bucket(spaceID).Object(contentID)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return b.contentError(ctx, "setContentMetadata", spaceID, contentID, err)
	}
	mimeType := attrs.ContentType
	if mt := normalizeKeys(metadata)[interfaces.ContentMimetype]; mt != "" {
		mimeType = mt
	}
	copier := obj.CopierFrom(obj)
	copier.ContentType = defaultMimeType(mimeType)
	copier.Metadata = userContentMetadata(metadata)
	if _, err := copier.Run(ctx); err != nil {
		return b.contentError(ctx, "setContentMetadata", spaceID, contentID, err)
	}
	return nil
}

func (b *GCSProvider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	if err := b.bucket(spaceID).Object(contentID).Delete(ctx); err != nil {
		return b.contentError(ctx, "deleteContent", spaceID, contentID, err)
	}
	return nil
}

// Name returns a unique identifier for this storage backend.
func (b *GCSProvider) Name() string {
	return fmt.Sprintf("gcs-%s", b.project)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *GCSProvider) LocationURI() string {
	return b.locationURI
}
