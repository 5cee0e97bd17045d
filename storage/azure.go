package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/interfaces"
)

// maxMarkerCache bounds the remembered listing resume points.
const maxMarkerCache = 1024

// AzureConfig configures an AzureProvider.
type AzureConfig struct {
	Account string
	Key     string
	// Endpoint defaults to https://<account>.blob.core.windows.net/.
	Endpoint string
	Prefix   string
}

// AzureProvider implements StorageProvider on Azure Blob Storage. Spaces map to
// containers and space metadata uses native container metadata.
type AzureProvider struct {
	client      *azblob.Client
	account     string
	prefix      string
	sums        *checksum.Util
	log         *slog.Logger
	locationURI string

	mu      sync.Mutex
	markers map[string]string // last listed id -> opaque marker of its page
}

var _ interfaces.StorageProvider = (*AzureProvider)(nil)

// NewAzureProvider creates an Azure provider authenticated with a shared key.
func NewAzureProvider(cfg AzureConfig, log *slog.Logger) (*AzureProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Account == "" || cfg.Key == "" {
		return nil, fmt.Errorf("azure provider requires account name and key")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	return &AzureProvider{
		client:      client,
		account:     cfg.Account,
		prefix:      normalizePrefix(cfg.Prefix),
		sums:        checksum.NewUtil(checksum.MD5),
		log:         log,
		locationURI: fmt.Sprintf("azure://%s:***@%s", cfg.Account, strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")),
		markers:     make(map[string]string),
	}, nil
}

func (b *AzureProvider) containerName(spaceID string) string {
	return containerName(b.prefix, spaceID)
}

func (b *AzureProvider) container(spaceID string) *container.Client {
	return b.client.ServiceClient().NewContainerClient(b.containerName(spaceID))
}

func (b *AzureProvider) blob(spaceID, contentID string) *blob.Client {
	return b.container(spaceID).NewBlobClient(contentID)
}

// classifyAzureError maps azblob failures onto the storage error taxonomy.
func classifyAzureError(op, spaceID, contentID string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.ContainerNotFound, bloberror.ContainerBeingDeleted):
		return interfaces.NewSpaceNotFound(spaceID)
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return interfaces.NewContentNotFound(spaceID, contentID)
	case bloberror.HasCode(err, bloberror.ContainerAlreadyExists):
		return interfaces.NewNoRetryError(op, spaceID, contentID, fmt.Errorf("%w: %v", interfaces.ErrSpaceAlreadyExists, err))
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound && contentID != "":
			return interfaces.NewContentNotFound(spaceID, contentID)
		case respErr.StatusCode == http.StatusNotFound:
			return interfaces.NewSpaceNotFound(spaceID)
		case respErr.StatusCode >= http.StatusInternalServerError, respErr.StatusCode == http.StatusTooManyRequests,
			respErr.StatusCode == http.StatusRequestTimeout:
			return interfaces.NewRetryError(op, spaceID, contentID, err)
		default:
			return interfaces.NewNoRetryError(op, spaceID, contentID, err)
		}
	}
	return interfaces.NewRetryError(op, spaceID, contentID, err)
}

// encodeAzureKey turns a metadata key into a valid Azure metadata name (a C#
// identifier): a leading 'm', alphanumerics kept, anything else as _XX hex.
func encodeAzureKey(key string) string {
	var sb strings.Builder
	sb.WriteByte('m')
	for _, c := range []byte(strings.ToLower(key)) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('_')
		sb.WriteString(hex.EncodeToString([]byte{c}))
	}
	return sb.String()
}

// decodeAzureKey reverses encodeAzureKey. Azure may alter name case, so
// decoding is case-insensitive.
func decodeAzureKey(name string) (string, bool) {
	name = strings.ToLower(name)
	if !strings.HasPrefix(name, "m") {
		return "", false
	}
	name = name[1:]
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		if name[i] != '_' {
			sb.WriteByte(name[i])
			continue
		}
		if i+2 >= len(name) {
			return "", false
		}
		decoded, err := hex.DecodeString(name[i+1 : i+3])
		if err != nil {
			return "", false
		}
		sb.Write(decoded)
		i += 2
	}
	return sb.String(), true
}

func encodeAzureMetadata(m map[string]string) map[string]*string {
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[encodeAzureKey(k)] = to.Ptr(v)
	}
	return out
}

func decodeAzureMetadata(m map[string]*string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if key, ok := decodeAzureKey(k); ok && v != nil {
			out[key] = *v
		}
	}
	return out
}

func (b *AzureProvider) GetSpaces(ctx context.Context) (interfaces.ContentIterator, error) {
	opts := &azblob.ListContainersOptions{}
	if b.prefix != "" {
		opts.Prefix = to.Ptr(b.prefix)
	}
	pager := b.client.NewListContainersPager(opts)

	var names []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classifyAzureError("getSpaces", "", "", err)
		}
		for _, item := range resp.ContainerItems {
			if item.Name == nil {
				continue
			}
			if spaceID, ok := spaceIDFromContainer(b.prefix, *item.Name); ok {
				names = append(names, spaceID)
			}
		}
	}
	sort.Strings(names)
	return NewSliceIterator(names), nil
}

func (b *AzureProvider) CreateSpace(ctx context.Context, spaceID string) error {
	start := time.Now()
	if err := ValidateSpaceID(spaceID); err != nil {
		return err
	}
	_, err := b.container(spaceID).Create(ctx, &container.CreateOptions{
		Metadata: encodeAzureMetadata(map[string]string{interfaces.SpaceCreated: FormatDate(time.Now())}),
	})
	if err != nil {
		b.log.Error("Failed to create Azure container",
			slog.String("container", b.containerName(spaceID)),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return classifyAzureError("createSpace", spaceID, "", err)
	}
	b.log.Debug("Created Azure container",
		slog.String("container", b.containerName(spaceID)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (b *AzureProvider) DeleteSpace(ctx context.Context, spaceID string) error {
	if _, err := b.container(spaceID).Delete(ctx, nil); err != nil {
		return classifyAzureError("deleteSpace", spaceID, "", err)
	}
	return nil
}

func (b *AzureProvider) GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error) {
	props, err := b.container(spaceID).GetProperties(ctx, nil)
	if err != nil {
		return nil, classifyAzureError("getSpaceMetadata", spaceID, "", err)
	}
	user := decodeAzureMetadata(props.Metadata)
	created := user[interfaces.SpaceCreated]
	if created == "" && props.LastModified != nil {
		created = FormatDate(*props.LastModified)
	}
	access := interfaces.AccessClosed
	if props.BlobPublicAccess != nil && *props.BlobPublicAccess != "" {
		access = interfaces.AccessOpen
	}
	count, err := countContents(ctx, b, spaceID)
	if err != nil {
		return nil, err
	}
	return spaceMetadata(user, created, count, access), nil
}

func (b *AzureProvider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error {
	user, access, created, err := splitSpaceMetadata(spaceID, metadata)
	if err != nil {
		return err
	}
	cc := b.container(spaceID)
	if created == "" {
		props, err := cc.GetProperties(ctx, nil)
		if err != nil {
			return classifyAzureError("setSpaceMetadata", spaceID, "", err)
		}
		created = decodeAzureMetadata(props.Metadata)[interfaces.SpaceCreated]
	}
	if created != "" {
		user[interfaces.SpaceCreated] = created
	}
	if _, err := cc.SetMetadata(ctx, &container.SetMetadataOptions{Metadata: encodeAzureMetadata(user)}); err != nil {
		return classifyAzureError("setSpaceMetadata", spaceID, "", err)
	}
	if access != nil {
		return b.SetSpaceAccess(ctx, spaceID, *access)
	}
	return nil
}

func (b *AzureProvider) GetSpaceAccess(ctx context.Context, spaceID string) (interfaces.AccessType, error) {
	props, err := b.container(spaceID).GetProperties(ctx, nil)
	if err != nil {
		return "", classifyAzureError("getSpaceAccess", spaceID, "", err)
	}
	if props.BlobPublicAccess != nil && *props.BlobPublicAccess != "" {
		return interfaces.AccessOpen, nil
	}
	return interfaces.AccessClosed, nil
}

// SetSpaceAccess maps OPEN to anonymous blob read access and CLOSED to private.
func (b *AzureProvider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) error {
	opts := &container.SetAccessPolicyOptions{}
	if access == interfaces.AccessOpen {
		opts.Access = to.Ptr(container.PublicAccessTypeBlob)
	}
	if _, err := b.container(spaceID).SetAccessPolicy(ctx, opts); err != nil {
		return classifyAzureError("setSpaceAccess", spaceID, "", err)
	}
	return nil
}

func (b *AzureProvider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (interfaces.ContentIterator, error) {
	if _, err := b.container(spaceID).GetProperties(ctx, nil); err != nil {
		return nil, classifyAzureError("getSpaceContents", spaceID, "", err)
	}
	return chunkedIterator(b, spaceID, prefix), nil
}

func (b *AzureProvider) markerKey(spaceID, prefix, lastID string) string {
	return b.containerName(spaceID) + "\x00" + prefix + "\x00" + lastID
}

func (b *AzureProvider) resumeMarker(key string) *string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.markers[key]; ok && m != "" {
		return to.Ptr(m)
	}
	return nil
}

func (b *AzureProvider) rememberMarker(key, opaque string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.markers) >= maxMarkerCache {
		b.markers = make(map[string]string)
	}
	b.markers[key] = opaque
}

// GetSpaceContentsChunked translates the id marker into Azure's opaque
// continuation token. A remembered token for the marker resumes at the page
// holding it; otherwise listing starts from the beginning. Either way items
// sorting at or before the marker are skipped.
func (b *AzureProvider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error) {
	limit := effectiveMaxResults(maxResults)
	opts := &container.ListBlobsFlatOptions{MaxResults: to.Ptr(int32(limit))}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	if marker != "" {
		opts.Marker = b.resumeMarker(b.markerKey(spaceID, prefix, marker))
	}
	pager := b.container(spaceID).NewListBlobsFlatPager(opts)

	pageMarker := ""
	if opts.Marker != nil {
		pageMarker = *opts.Marker
	}
	ids := make([]string, 0, limit)
	for pager.More() && len(ids) < limit {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, classifyAzureError("getSpaceContents", spaceID, "", err)
		}
		if resp.Segment != nil {
			for _, item := range resp.Segment.BlobItems {
				if item.Name == nil || (marker != "" && *item.Name <= marker) {
					continue
				}
				ids = append(ids, *item.Name)
				if len(ids) == limit {
					b.rememberMarker(b.markerKey(spaceID, prefix, *item.Name), pageMarker)
					break
				}
			}
		}
		if resp.NextMarker != nil {
			pageMarker = *resp.NextMarker
		}
	}
	return ids, nil
}

func (b *AzureProvider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (string, error) {
	start := time.Now()
	if err := ValidateContentID(spaceID, contentID); err != nil {
		return "", err
	}
	headers := &blob.HTTPHeaders{BlobContentType: to.Ptr(defaultMimeType(mimeType))}
	digest := checksum.NewDigestReader(content, b.sums.Algorithm())
	_, err := b.client.UploadStream(ctx, b.containerName(spaceID), contentID, digest, &azblob.UploadStreamOptions{
		HTTPHeaders: headers,
		Metadata:    encodeAzureMetadata(userContentMetadata(metadata)),
	})
	if err != nil {
		b.log.Error("Failed to upload blob to Azure",
			slog.String("container", b.containerName(spaceID)),
			slog.String("blob", contentID),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return "", classifyAzureError("addContent", spaceID, contentID, err)
	}
	actual := digest.Checksum()

	// Block uploads carry no whole-blob MD5; set it so reads report it.
	if raw, derr := hex.DecodeString(actual); derr == nil {
		headers.BlobContentMD5 = raw
		if _, err := b.blob(spaceID, contentID).SetHTTPHeaders(ctx, *headers, nil); err != nil {
			return "", classifyAzureError("addContent", spaceID, contentID, err)
		}
	}

	b.log.Debug("Stored content in Azure",
		slog.String("container", b.containerName(spaceID)),
		slog.String("blob", contentID),
		slog.Int64("size", digest.Count()),
		slog.Duration("duration", time.Since(start)))

	if expected != "" && !checksum.Equal(expected, actual) {
		return actual, interfaces.NewChecksumMismatch("addContent", spaceID, contentID, expected, actual)
	}
	return actual, nil
}

func (b *AzureProvider) GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error) {
	resp, err := b.client.DownloadStream(ctx, b.containerName(spaceID), contentID, nil)
	if err != nil {
		return nil, classifyAzureError("getContent", spaceID, contentID, err)
	}
	return resp.Body, nil
}

func (b *AzureProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	props, err := b.blob(spaceID, contentID).GetProperties(ctx, nil)
	if err != nil {
		return nil, classifyAzureError("getContentMetadata", spaceID, contentID, err)
	}
	var modified time.Time
	if props.LastModified != nil {
		modified = *props.LastModified
	}
	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	mimeType := ""
	if props.ContentType != nil {
		mimeType = *props.ContentType
	}
	return contentMetadata(decodeAzureMetadata(props.Metadata), mimeType, size,
		checksum.FromBytes(props.ContentMD5), modified), nil
}

func (b *AzureProvider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error {
	bc := b.blob(spaceID, contentID)
	if mt := normalizeKeys(metadata)[interfaces.ContentMimetype]; mt != "" {
		props, err := bc.GetProperties(ctx, nil)
		if err != nil {
			return classifyAzureError("setContentMetadata", spaceID, contentID, err)
		}
		headers := blob.HTTPHeaders{BlobContentType: to.Ptr(mt), BlobContentMD5: props.ContentMD5}
		if _, err := bc.SetHTTPHeaders(ctx, headers, nil); err != nil {
			return classifyAzureError("setContentMetadata", spaceID, contentID, err)
		}
	}
	if _, err := bc.SetMetadata(ctx, encodeAzureMetadata(userContentMetadata(metadata)), nil); err != nil {
		return classifyAzureError("setContentMetadata", spaceID, contentID, err)
	}
	return nil
}

func (b *AzureProvider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	if _, err := b.blob(spaceID, contentID).Delete(ctx, nil); err != nil {
		return classifyAzureError("deleteContent", spaceID, contentID, err)
	}
	return nil
}

// Name returns a unique identifier for this storage backend.
func (b *AzureProvider) Name() string {
	return fmt.Sprintf("azure-%s", b.account)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *AzureProvider) LocationURI() string {
	return b.locationURI
}
