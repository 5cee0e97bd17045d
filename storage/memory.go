package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/spacestore/checksum"
	"github.com/ruteri/spacestore/interfaces"
)

type memoryItem struct {
	data     []byte
	mimeType string
	metadata map[string]string
	checksum string
	modified time.Time
}

type memorySpace struct {
	created  time.Time
	access   interfaces.AccessType
	metadata map[string]string
	items    map[string]*memoryItem
}

// MemoryProvider keeps spaces and content in process memory. It backs the
// mem:// scheme and serves as the reference provider in tests.
type MemoryProvider struct {
	mu     sync.RWMutex
	name   string
	spaces map[string]*memorySpace
	sums   *checksum.Util
	log    *slog.Logger
	now    func() time.Time
}

var _ interfaces.StorageProvider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider(name string, log *slog.Logger) *MemoryProvider {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryProvider{
		name:   name,
		spaces: make(map[string]*memorySpace),
		sums:   checksum.NewUtil(checksum.MD5),
		log:    log,
		now:    time.Now,
	}
}

func (m *MemoryProvider) space(spaceID string) (*memorySpace, error) {
	s, ok := m.spaces[GetContainerName(spaceID)]
	if !ok {
		return nil, interfaces.NewSpaceNotFound(spaceID)
	}
	return s, nil
}

func (m *MemoryProvider) GetSpaces(ctx context.Context) (interfaces.ContentIterator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.spaces))
	for name := range m.spaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return NewSliceIterator(names), nil
}

func (m *MemoryProvider) CreateSpace(ctx context.Context, spaceID string) error {
	if err := ValidateSpaceID(spaceID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	name := GetContainerName(spaceID)
	if _, ok := m.spaces[name]; ok {
		return interfaces.NewNoRetryError("createSpace", spaceID, "", interfaces.ErrSpaceAlreadyExists)
	}
	m.spaces[name] = &memorySpace{
		created:  m.now(),
		access:   interfaces.AccessClosed,
		metadata: map[string]string{},
		items:    map[string]*memoryItem{},
	}
	m.log.Debug("created space", slog.String("backend", m.Name()), slog.String("space_id", spaceID))
	return nil
}

func (m *MemoryProvider) DeleteSpace(ctx context.Context, spaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.space(spaceID); err != nil {
		return err
	}
	delete(m.spaces, GetContainerName(spaceID))
	return nil
}

func (m *MemoryProvider) GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.space(spaceID)
	if err != nil {
		return nil, err
	}
	return spaceMetadata(s.metadata, FormatDate(s.created), int64(len(s.items)), s.access), nil
}

func (m *MemoryProvider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error {
	user, access, created, err := splitSpaceMetadata(spaceID, metadata)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.space(spaceID)
	if err != nil {
		return err
	}
	if created != "" {
		if t, perr := ParseDate(created); perr == nil {
			s.created = t
		}
	}
	if access != nil {
		s.access = *access
	}
	s.metadata = user
	return nil
}

func (m *MemoryProvider) GetSpaceAccess(ctx context.Context, spaceID string) (interfaces.AccessType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.space(spaceID)
	if err != nil {
		return "", err
	}
	return s.access, nil
}

func (m *MemoryProvider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.space(spaceID)
	if err != nil {
		return err
	}
	s.access = access
	return nil
}

func (m *MemoryProvider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (interfaces.ContentIterator, error) {
	m.mu.RLock()
	_, err := m.space(spaceID)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return NewContentIterator(func(ctx context.Context, marker string) ([]string, error) {
		return m.GetSpaceContentsChunked(ctx, spaceID, prefix, interfaces.DefaultMaxResults, marker)
	}), nil
}

func (m *MemoryProvider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := m.space(spaceID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	return pageAfter(ids, prefix, marker, maxResults), nil
}

func (m *MemoryProvider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (string, error) {
	if err := ValidateContentID(spaceID, contentID); err != nil {
		return "", err
	}
	m.mu.RLock()
	_, err := m.space(spaceID)
	m.mu.RUnlock()
	if err != nil {
		return "", err
	}

	digest := checksum.NewDigestReader(content, m.sums.Algorithm())
	data, err := io.ReadAll(digest)
	if err != nil {
		return "", interfaces.NewRetryError("addContent", spaceID, contentID, fmt.Errorf("failed to read content: %w", err))
	}
	actual := digest.Checksum()

	m.mu.Lock()
	s, err := m.space(spaceID)
	if err == nil {
		s.items[contentID] = &memoryItem{
			data:     data,
			mimeType: defaultMimeType(mimeType),
			metadata: userContentMetadata(metadata),
			checksum: actual,
			modified: m.now(),
		}
	}
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	if expected != "" && !checksum.Equal(expected, actual) {
		return actual, interfaces.NewChecksumMismatch("addContent", spaceID, contentID, expected, actual)
	}
	return actual, nil
}

func (m *MemoryProvider) item(spaceID, contentID string) (*memoryItem, error) {
	s, err := m.space(spaceID)
	if err != nil {
		return nil, err
	}
	it, ok := s.items[contentID]
	if !ok {
		return nil, interfaces.NewContentNotFound(spaceID, contentID)
	}
	return it, nil
}

func (m *MemoryProvider) GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, err := m.item(spaceID, contentID)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(it.data)), nil
}

func (m *MemoryProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, err := m.item(spaceID, contentID)
	if err != nil {
		return nil, err
	}
	return contentMetadata(it.metadata, it.mimeType, int64(len(it.data)), it.checksum, it.modified), nil
}

func (m *MemoryProvider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, err := m.item(spaceID, contentID)
	if err != nil {
		return err
	}
	if mt, ok := normalizeKeys(metadata)[interfaces.ContentMimetype]; ok && mt != "" {
		it.mimeType = mt
	}
	it.metadata = userContentMetadata(metadata)
	it.modified = m.now()
	return nil
}

func (m *MemoryProvider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.space(spaceID)
	if err != nil {
		return err
	}
	if _, ok := s.items[contentID]; !ok {
		return interfaces.NewContentNotFound(spaceID, contentID)
	}
	delete(s.items, contentID)
	return nil
}

func (m *MemoryProvider) Name() string {
	return fmt.Sprintf("mem-%s", m.name)
}

func (m *MemoryProvider) LocationURI() string {
	return fmt.Sprintf("mem://%s", m.name)
}
