package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/interfaces"
)

// fileMetaDir holds per-item metadata sidecars inside a space directory.
const fileMetaDir = ".dura-meta"

// fileItemMeta is the sidecar document stored next to each content file.
type fileItemMeta struct {
	MimeType string            `json:"mimetype"`
	Checksum string            `json:"checksum"`
	Modified time.Time         `json:"modified"`
	Metadata map[string]string `json:"metadata"`
}

// FileProvider stores spaces as directories under a base directory. Content
// files are named by their escaped content id; metadata lives in JSON
// sidecars and a hidden space metadata sentinel.
type FileProvider struct {
	baseDir     string
	sums        *checksum.Util
	log         *slog.Logger
	locationURI string

	writeLocks sync.Map // per-object write locks
}

var _ interfaces.StorageProvider = (*FileProvider)(nil)

// NewFileProvider creates a filesystem provider rooted at baseDir, creating it if needed.
func NewFileProvider(baseDir string, log *slog.Logger) (*FileProvider, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileProvider{
		baseDir:     baseDir,
		sums:        checksum.NewUtil(checksum.MD5),
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

func (b *FileProvider) spaceDir(spaceID string) string {
	return filepath.Join(b.baseDir, GetContainerName(spaceID))
}

func (b *FileProvider) objectPath(spaceID, contentID string) string {
	return filepath.Join(b.spaceDir(spaceID), escapeName(contentID))
}

func (b *FileProvider) metaPath(spaceID, contentID string) string {
	return filepath.Join(b.spaceDir(spaceID), fileMetaDir, escapeName(contentID)+".json")
}

func (b *FileProvider) propsPath(spaceID string) string {
	return filepath.Join(b.spaceDir(spaceID), spaceMetadataObject)
}

// classifyFileError maps filesystem failures onto the storage error taxonomy.
func classifyFileError(op, spaceID, contentID string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if contentID != "" {
			return interfaces.NewContentNotFound(spaceID, contentID)
		}
		return interfaces.NewSpaceNotFound(spaceID)
	case errors.Is(err, fs.ErrPermission):
		return interfaces.NewNoRetryError(op, spaceID, contentID, err)
	default:
		return interfaces.NewRetryError(op, spaceID, contentID, err)
	}
}

func (b *FileProvider) requireSpace(spaceID string) error {
	if _, err := os.Stat(b.propsPath(spaceID)); err != nil {
		return classifyFileError("getSpace", spaceID, "", err)
	}
	return nil
}

func (b *FileProvider) readProps(spaceID string) (spaceProperties, error) {
	data, err := os.ReadFile(b.propsPath(spaceID))
	if err != nil {
		return spaceProperties{}, classifyFileError("getSpaceMetadata", spaceID, "", err)
	}
	props, err := decodeSpaceProperties(data)
	if err != nil {
		return props, interfaces.NewNoRetryError("getSpaceMetadata", spaceID, "", err)
	}
	return props, nil
}

func (b *FileProvider) writeProps(spaceID string, props spaceProperties) error {
	data, err := encodeSpaceProperties(props)
	if err != nil {
		return interfaces.NewNoRetryError("setSpaceMetadata", spaceID, "", err)
	}
	if err := writeFileAtomic(b.propsPath(spaceID), data); err != nil {
		return classifyFileError("setSpaceMetadata", spaceID, "", err)
	}
	return nil
}

func (b *FileProvider) GetSpaces(ctx context.Context) (interfaces.ContentIterator, error) {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return nil, interfaces.NewRetryError("getSpaces", "", "", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(b.baseDir, entry.Name(), spaceMetadataObject)); err == nil {
			names = append(names, entry.Name())
		}
	}
	return NewSliceIterator(names), nil
}

func (b *FileProvider) CreateSpace(ctx context.Context, spaceID string) error {
	if err := ValidateSpaceID(spaceID); err != nil {
		return err
	}
	if err := b.requireSpace(spaceID); err == nil {
		return interfaces.NewNoRetryError("createSpace", spaceID, "", interfaces.ErrSpaceAlreadyExists)
	}
	if err := os.MkdirAll(filepath.Join(b.spaceDir(spaceID), fileMetaDir), 0755); err != nil {
		return classifyFileError("createSpace", spaceID, "", err)
	}
	props := spaceProperties{
		Created:  FormatDate(time.Now()),
		Access:   interfaces.AccessClosed.String(),
		Metadata: map[string]string{},
	}
	if err := b.writeProps(spaceID, props); err != nil {
		return err
	}
	b.log.Debug("created space", slog.String("backend", b.Name()), slog.String("space_id", spaceID))
	return nil
}

func (b *FileProvider) DeleteSpace(ctx context.Context, spaceID string) error {
	if err := b.requireSpace(spaceID); err != nil {
		return err
	}
	if err := os.RemoveAll(b.spaceDir(spaceID)); err != nil {
		return classifyFileError("deleteSpace", spaceID, "", err)
	}
	return nil
}

func (b *FileProvider) GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error) {
	props, err := b.readProps(spaceID)
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

func (b *FileProvider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error {
	user, access, created, err := splitSpaceMetadata(spaceID, metadata)
	if err != nil {
		return err
	}
	props, err := b.readProps(spaceID)
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
	return b.writeProps(spaceID, props)
}

func (b *FileProvider) GetSpaceAccess(ctx context.Context, spaceID string) (interfaces.AccessType, error) {
	props, err := b.readProps(spaceID)
	if err != nil {
		return "", err
	}
	return interfaces.ParseAccessType(props.Access)
}

func (b *FileProvider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) error {
	props, err := b.readProps(spaceID)
	if err != nil {
		return err
	}
	props.Access = access.String()
	return b.writeProps(spaceID, props)
}

func (b *FileProvider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (interfaces.ContentIterator, error) {
	if err := b.requireSpace(spaceID); err != nil {
		return nil, err
	}
	return chunkedIterator(b, spaceID, prefix), nil
}

func (b *FileProvider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error) {
	if err := b.requireSpace(spaceID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.spaceDir(spaceID))
	if err != nil {
		return nil, classifyFileError("getSpaceContents", spaceID, "", err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id, err := unescapeName(entry.Name())
		if err != nil {
			b.log.Warn("skipping unreadable content name", slog.String("space_id", spaceID), slog.String("name", entry.Name()))
			continue
		}
		ids = append(ids, id)
	}
	return pageAfter(ids, prefix, marker, maxResults), nil
}

func (b *FileProvider) lock(key string) func() {
	v, _ := b.writeLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (b *FileProvider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (string, error) {
	start := time.Now()
	if err := ValidateContentID(spaceID, contentID); err != nil {
		return "", err
	}
	if err := b.requireSpace(spaceID); err != nil {
		return "", err
	}

	objectPath := b.objectPath(spaceID, contentID)
	defer b.lock(objectPath)()

	digest := checksum.NewDigestReader(content, b.sums.Algorithm())
	if err := writeStreamAtomic(objectPath, digest); err != nil {
		b.log.Error("failed to write content file",
			slog.String("space_id", spaceID),
			slog.String("content_id", contentID),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return "", classifyFileError("addContent", spaceID, "", err)
	}
	actual := digest.Checksum()

	meta := fileItemMeta{
		MimeType: defaultMimeType(mimeType),
		Checksum: actual,
		Modified: time.Now().UTC(),
		Metadata: userContentMetadata(metadata),
	}
	if err := b.writeItemMeta(spaceID, contentID, meta); err != nil {
		return "", err
	}

	b.log.Debug("stored content in file",
		slog.String("path", objectPath),
		slog.Int64("size", digest.Count()),
		slog.Duration("duration", time.Since(start)))

	if expected != "" && !checksum.Equal(expected, actual) {
		return actual, interfaces.NewChecksumMismatch("addContent", spaceID, contentID, expected, actual)
	}
	return actual, nil
}

func (b *FileProvider) writeItemMeta(spaceID, contentID string, meta fileItemMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return interfaces.NewNoRetryError("setContentMetadata", spaceID, contentID, err)
	}
	path := b.metaPath(spaceID, contentID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return classifyFileError("setContentMetadata", spaceID, "", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return classifyFileError("setContentMetadata", spaceID, "", err)
	}
	return nil
}

func (b *FileProvider) readItemMeta(spaceID, contentID string) (fileItemMeta, os.FileInfo, error) {
	if err := b.requireSpace(spaceID); err != nil {
		return fileItemMeta{}, nil, err
	}
	info, err := os.Stat(b.objectPath(spaceID, contentID))
	if err != nil {
		return fileItemMeta{}, nil, classifyFileError("getContentMetadata", spaceID, contentID, err)
	}

	var meta fileItemMeta
	data, err := os.ReadFile(b.metaPath(spaceID, contentID))
	if err == nil {
		err = json.Unmarshal(data, &meta)
	}
	if err != nil {
		// Sidecar missing or damaged, fall back to the file itself.
		f, oerr := os.Open(b.objectPath(spaceID, contentID))
		if oerr != nil {
			return meta, nil, classifyFileError("getContentMetadata", spaceID, contentID, oerr)
		}
		defer f.Close()
		sum, serr := b.sums.GenerateChecksum(f)
		if serr != nil {
			return meta, nil, interfaces.NewRetryError("getContentMetadata", spaceID, contentID, serr)
		}
		meta = fileItemMeta{MimeType: interfaces.DefaultMimeType, Checksum: sum, Modified: info.ModTime()}
	}
	return meta, info, nil
}

func (b *FileProvider) GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error) {
	if err := b.requireSpace(spaceID); err != nil {
		return nil, err
	}
	f, err := os.Open(b.objectPath(spaceID, contentID))
	if err != nil {
		return nil, classifyFileError("getContent", spaceID, contentID, err)
	}
	return f, nil
}

func (b *FileProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	meta, info, err := b.readItemMeta(spaceID, contentID)
	if err != nil {
		return nil, err
	}
	return contentMetadata(meta.Metadata, meta.MimeType, info.Size(), meta.Checksum, meta.Modified), nil
}

func (b *FileProvider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error {
	defer b.lock(b.objectPath(spaceID, contentID))()

	meta, _, err := b.readItemMeta(spaceID, contentID)
	if err != nil {
		return err
	}
	if mt := normalizeKeys(metadata)[interfaces.ContentMimetype]; mt != "" {
		meta.MimeType = mt
	}
	meta.Metadata = userContentMetadata(metadata)
	meta.Modified = time.Now().UTC()
	return b.writeItemMeta(spaceID, contentID, meta)
}

func (b *FileProvider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	if err := b.requireSpace(spaceID); err != nil {
		return err
	}
	objectPath := b.objectPath(spaceID, contentID)
	defer b.lock(objectPath)()

	if err := os.Remove(objectPath); err != nil {
		return classifyFileError("deleteContent", spaceID, contentID, err)
	}
	if err := os.Remove(b.metaPath(spaceID, contentID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.log.Warn("failed to remove metadata sidecar", slog.String("content_id", contentID), "err", err)
	}
	return nil
}

// Name returns a unique identifier for this storage backend.
func (b *FileProvider) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileProvider) LocationURI() string {
	return b.locationURI
}

// writeStreamAtomic copies r into a temporary file next to path and renames
// it into place, so readers never observe a partial object.
func writeStreamAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	return writeStreamAtomic(path, bytes.NewReader(data))
}
