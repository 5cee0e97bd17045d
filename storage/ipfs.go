package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/interfaces"
)

// IPFSProvider stores spaces as directories in the mutable file system (MFS)
// of an IPFS node. The directory layout mirrors FileProvider.
type IPFSProvider struct {
	shell       *shell.Shell
	host        string
	port        string
	root        string
	sums        *checksum.Util
	log         *slog.Logger
	locationURI string
}

var _ interfaces.StorageProvider = (*IPFSProvider)(nil)

// NewIPFSProvider creates a provider backed by the IPFS node API at host:port,
// keeping all spaces below root in MFS.
func NewIPFSProvider(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	apiURL := fmt.Sprintf("%s:%s", host, port)
	root = "/" + strings.Trim(root, "/")

	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}

	return &IPFSProvider{
		shell:       sh,
		host:        host,
		port:        port,
		root:        root,
		sums:        checksum.NewUtil(checksum.MD5),
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiURL, root),
	}, nil
}

func (b *IPFSProvider) spaceDir(spaceID string) string {
	return path.Join(b.root, GetContainerName(spaceID))
}

func (b *IPFSProvider) objectPath(spaceID, contentID string) string {
	return path.Join(b.spaceDir(spaceID), escapeName(contentID))
}

func (b *IPFSProvider) metaPath(spaceID, contentID string) string {
	return path.Join(b.spaceDir(spaceID), fileMetaDir, escapeName(contentID)+".json")
}

func (b *IPFSProvider) propsPath(spaceID string) string {
	return path.Join(b.spaceDir(spaceID), spaceMetadataObject)
}

// classifyIPFSError maps IPFS API failures onto the storage error taxonomy.
func classifyIPFSError(op, spaceID, contentID string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "does not exist") || strings.Contains(msg, "no link named") {
		if contentID != "" {
			return interfaces.NewContentNotFound(spaceID, contentID)
		}
		return interfaces.NewSpaceNotFound(spaceID)
	}
	var apiErr *shell.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		// Command errors reported by the node are semantic.
		return interfaces.NewNoRetryError(op, spaceID, contentID, err)
	}
	return interfaces.NewRetryError(op, spaceID, contentID, err)
}

func (b *IPFSProvider) checkUp(op, spaceID string) error {
	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return interfaces.NewRetryError(op, spaceID, "", interfaces.ErrBackendUnavailable)
	}
	return nil
}

func (b *IPFSProvider) readJSON(ctx context.Context, p string, v any) error {
	r, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		return err
	}
	defer r.Close()
	return json.NewDecoder(r).Decode(v)
}

func (b *IPFSProvider) writeJSON(ctx context.Context, p string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Truncate(true),
		shell.FilesWrite.Parents(true))
}

func (b *IPFSProvider) readProps(ctx context.Context, spaceID string) (spaceProperties, error) {
	var props spaceProperties
	if err := b.readJSON(ctx, b.propsPath(spaceID), &props); err != nil {
		return props, classifyIPFSError("getSpaceMetadata", spaceID, "", err)
	}
	if props.Metadata == nil {
		props.Metadata = map[string]string{}
	}
	return props, nil
}

func (b *IPFSProvider) writeProps(ctx context.Context, spaceID string, props spaceProperties) error {
	if err := b.writeJSON(ctx, b.propsPath(spaceID), props); err != nil {
		return classifyIPFSError("setSpaceMetadata", spaceID, "", err)
	}
	return nil
}

func (b *IPFSProvider) requireSpace(ctx context.Context, spaceID string) error {
	if _, err := b.shell.FilesStat(ctx, b.propsPath(spaceID)); err != nil {
		return classifyIPFSError("getSpace", spaceID, "", err)
	}
	return nil
}

func (b *IPFSProvider) GetSpaces(ctx context.Context) (interfaces.ContentIterator, error) {
	if err := b.checkUp("getSpaces", ""); err != nil {
		return nil, err
	}
	if err := b.shell.FilesMkdir(ctx, b.root, shell.FilesMkdir.Parents(true)); err != nil {
		return nil, classifyIPFSError("getSpaces", "", "", err)
	}
	entries, err := b.shell.FilesLs(ctx, b.root)
	if err != nil {
		return nil, classifyIPFSError("getSpaces", "", "", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name, ".") {
			names = append(names, entry.Name)
		}
	}
	sort.Strings(names)
	return NewSliceIterator(names), nil
}

func (b *IPFSProvider) CreateSpace(ctx context.Context, spaceID string) error {
	if err := ValidateSpaceID(spaceID); err != nil {
		return err
	}
	if err := b.checkUp("createSpace", spaceID); err != nil {
		return err
	}
	if err := b.requireSpace(ctx, spaceID); err == nil {
		return interfaces.NewNoRetryError("createSpace", spaceID, "", interfaces.ErrSpaceAlreadyExists)
	}
	if err := b.shell.FilesMkdir(ctx, path.Join(b.spaceDir(spaceID), fileMetaDir), shell.FilesMkdir.Parents(true)); err != nil {
		return classifyIPFSError("createSpace", spaceID, "", err)
	}
	return b.writeProps(ctx, spaceID, spaceProperties{
		Created:  FormatDate(time.Now()),
		Access:   interfaces.AccessClosed.String(),
		Metadata: map[string]string{},
	})
}

func (b *IPFSProvider) DeleteSpace(ctx context.Context, spaceID string) error {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return err
	}
	if err := b.shell.FilesRm(ctx, b.spaceDir(spaceID), true); err != nil {
		return classifyIPFSError("deleteSpace", spaceID, "", err)
	}
	return nil
}

func (b *IPFSProvider) GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error) {
	props, err := b.readProps(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	count, err := countContents(ctx, b, spaceID)
	if err != nil {
		return nil, err
	}
	access, err := interfaces.ParseAccessType(props.Access)
	if err != nil {
		access = interfaces.AccessClosed
	}
	return spaceMetadata(props.Metadata, props.Created, count, access), nil
}

func (b *IPFSProvider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error {
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
	if access != nil {
		props.Access = access.String()
	}
	props.Metadata = user
	return b.writeProps(ctx, spaceID, props)
}

// GetSpaceAccess reports the recorded access type. MFS content is reachable
// by CID regardless, so the value is advisory for this backend.
func (b *IPFSProvider) GetSpaceAccess(ctx context.Context, spaceID string) (interfaces.AccessType, error) {
	props, err := b.readProps(ctx, spaceID)
	if err != nil {
		return "", err
	}
	return interfaces.ParseAccessType(props.Access)
}

func (b *IPFSProvider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) error {
	props, err := b.readProps(ctx, spaceID)
	if err != nil {
		return err
	}
	props.Access = access.String()
	return b.writeProps(ctx, spaceID, props)
}

func (b *IPFSProvider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (interfaces.ContentIterator, error) {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	return chunkedIterator(b, spaceID, prefix), nil
}

func (b *IPFSProvider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error) {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	entries, err := b.shell.FilesLs(ctx, b.spaceDir(spaceID))
	if err != nil {
		return nil, classifyIPFSError("getSpaceContents", spaceID, "", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name, ".") {
			continue
		}
		id, err := unescapeName(entry.Name)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return pageAfter(ids, prefix, marker, maxResults), nil
}

func (b *IPFSProvider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (string, error) {
	start := time.Now()
	if err := ValidateContentID(spaceID, contentID); err != nil {
		return "", err
	}
	if err := b.checkUp("addContent", spaceID); err != nil {
		return "", err
	}
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return "", err
	}

	objectPath := b.objectPath(spaceID, contentID)
	digest := checksum.NewDigestReader(content, b.sums.Algorithm())
	err := b.shell.FilesWrite(ctx, objectPath, digest,
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		b.log.Error("Failed to write content to IPFS",
			slog.String("path", objectPath),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return "", classifyIPFSError("addContent", spaceID, "", err)
	}
	actual := digest.Checksum()

	meta := fileItemMeta{
		MimeType: defaultMimeType(mimeType),
		Checksum: actual,
		Modified: time.Now().UTC(),
		Metadata: userContentMetadata(metadata),
	}
	if err := b.writeJSON(ctx, b.metaPath(spaceID, contentID), meta); err != nil {
		return "", classifyIPFSError("addContent", spaceID, "", err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("path", objectPath),
		slog.Int64("size", digest.Count()),
		slog.Duration("duration", time.Since(start)))

	if expected != "" && !checksum.Equal(expected, actual) {
		return actual, interfaces.NewChecksumMismatch("addContent", spaceID, contentID, expected, actual)
	}
	return actual, nil
}

func (b *IPFSProvider) GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error) {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	r, err := b.shell.FilesRead(ctx, b.objectPath(spaceID, contentID))
	if err != nil {
		return nil, classifyIPFSError("getContent", spaceID, contentID, err)
	}
	return r, nil
}

func (b *IPFSProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	stat, err := b.shell.FilesStat(ctx, b.objectPath(spaceID, contentID))
	if err != nil {
		return nil, classifyIPFSError("getContentMetadata", spaceID, contentID, err)
	}
	var meta fileItemMeta
	if err := b.readJSON(ctx, b.metaPath(spaceID, contentID), &meta); err != nil {
		return nil, classifyIPFSError("getContentMetadata", spaceID, contentID, err)
	}
	return contentMetadata(meta.Metadata, meta.MimeType, int64(stat.Size), meta.Checksum, meta.Modified), nil
}

func (b *IPFSProvider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return err
	}
	var meta fileItemMeta
	if err := b.readJSON(ctx, b.metaPath(spaceID, contentID), &meta); err != nil {
		return classifyIPFSError("setContentMetadata", spaceID, contentID, err)
	}
	if mt := normalizeKeys(metadata)[interfaces.ContentMimetype]; mt != "" {
		meta.MimeType = mt
	}
	meta.Metadata = userContentMetadata(metadata)
	meta.Modified = time.Now().UTC()
	if err := b.writeJSON(ctx, b.metaPath(spaceID, contentID), meta); err != nil {
		return classifyIPFSError("setContentMetadata", spaceID, contentID, err)
	}
	return nil
}

func (b *IPFSProvider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	if err := b.requireSpace(ctx, spaceID); err != nil {
		return err
	}
	if err := b.shell.FilesRm(ctx, b.objectPath(spaceID, contentID), false); err != nil {
		return classifyIPFSError("deleteContent", spaceID, contentID, err)
	}
	if err := b.shell.FilesRm(ctx, b.metaPath(spaceID, contentID), false); err != nil {
		b.log.Warn("Failed to remove IPFS metadata sidecar", slog.String("content_id", contentID), "err", err)
	}
	return nil
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSProvider) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSProvider) LocationURI() string {
	return b.locationURI
}
