package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ruteri/spacestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorageProvider implements interfaces.StorageProvider for testing
type MockStorageProvider struct {
	mock.Mock
	name string
}

func (m *MockStorageProvider) GetSpaces(ctx context.Context) (interfaces.ContentIterator, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(interfaces.ContentIterator), args.Error(1)
}

func (m *MockStorageProvider) CreateSpace(ctx context.Context, spaceID string) error {
	return m.Called(ctx, spaceID).Error(0)
}

func (m *MockStorageProvider) DeleteSpace(ctx context.Context, spaceID string) error {
	return m.Called(ctx, spaceID).Error(0)
}

func (m *MockStorageProvider) GetSpaceMetadata(ctx context.Context, spaceID string) (map[string]string, error) {
	args := m.Called(ctx, spaceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockStorageProvider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) error {
	return m.Called(ctx, spaceID, metadata).Error(0)
}

func (m *MockStorageProvider) GetSpaceAccess(ctx context.Context, spaceID string) (interfaces.AccessType, error) {
	args := m.Called(ctx, spaceID)
	return args.Get(0).(interfaces.AccessType), args.Error(1)
}

func (m *MockStorageProvider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) error {
	return m.Called(ctx, spaceID, access).Error(0)
}

func (m *MockStorageProvider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (interfaces.ContentIterator, error) {
	args := m.Called(ctx, spaceID, prefix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(interfaces.ContentIterator), args.Error(1)
}

func (m *MockStorageProvider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) ([]string, error) {
	args := m.Called(ctx, spaceID, prefix, maxResults, marker)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStorageProvider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, checksum string, content io.Reader) (string, error) {
	args := m.Called(ctx, spaceID, contentID, mimeType, metadata, size, checksum, content)
	return args.String(0), args.Error(1)
}

func (m *MockStorageProvider) GetContent(ctx context.Context, spaceID, contentID string) (io.ReadCloser, error) {
	args := m.Called(ctx, spaceID, contentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockStorageProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (map[string]string, error) {
	args := m.Called(ctx, spaceID, contentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockStorageProvider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) error {
	return m.Called(ctx, spaceID, contentID, metadata).Error(0)
}

func (m *MockStorageProvider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	return m.Called(ctx, spaceID, contentID).Error(0)
}

func (m *MockStorageProvider) Name() string {
	return m.name
}

func (m *MockStorageProvider) LocationURI() string {
	return "mock://" + m.name
}

func TestMirrorProvider_GetContent(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name        string
		primaryErr  error
		mirrorErrs  []error
		expectData  string
		expectError error
	}{
		{
			name:       "primary succeeds",
			mirrorErrs: []error{nil},
			expectData: "primary",
		},
		{
			name:       "falls back to second mirror",
			primaryErr: interfaces.NewRetryError("getContent", "s", "c", errors.New("timeout")),
			mirrorErrs: []error{interfaces.NewContentNotFound("s", "c"), nil},
			expectData: "mirror-1",
		},
		{
			name:        "all fail returns primary error",
			primaryErr:  interfaces.NewContentNotFound("s", "c"),
			mirrorErrs:  []error{errors.New("down")},
			expectError: interfaces.ErrContentNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &MockStorageProvider{name: "primary"}
			if tt.primaryErr != nil {
				primary.On("GetContent", ctx, "s", "c").Return(nil, tt.primaryErr)
			} else {
				primary.On("GetContent", ctx, "s", "c").Return(io.NopCloser(strings.NewReader("primary")), nil)
			}

			var mirrors []interfaces.StorageProvider
			var mocks []*MockStorageProvider
			for i, err := range tt.mirrorErrs {
				m := &MockStorageProvider{name: "mirror"}
				if err != nil {
					m.On("GetContent", ctx, "s", "c").Return(nil, err).Maybe()
				} else {
					m.On("GetContent", ctx, "s", "c").Return(io.NopCloser(strings.NewReader("mirror-"+string(rune('0'+i)))), nil).Maybe()
				}
				mirrors = append(mirrors, m)
				mocks = append(mocks, m)
			}

			p := NewMirrorProvider(primary, mirrors, discardLogger())
			r, err := p.GetContent(ctx, "s", "c")
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.expectData, string(data))

			primary.AssertExpectations(t)
			for _, m := range mocks {
				m.AssertExpectations(t)
			}
		})
	}
}

func TestMirrorProvider_AddContentReplicates(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryProvider("primary", discardLogger())
	good := NewMemoryProvider("good", discardLogger())
	broken := &MockStorageProvider{name: "broken"}

	require.NoError(t, primary.CreateSpace(ctx, "space-a"))
	require.NoError(t, good.CreateSpace(ctx, "space-a"))
	broken.On("AddContent", ctx, "space-a", "item", "text/plain", mock.Anything, int64(5), mock.Anything, mock.Anything).
		Return("", interfaces.NewRetryError("addContent", "space-a", "item", errors.New("unavailable")))

	p := NewMirrorProvider(primary, []interfaces.StorageProvider{broken, good}, discardLogger())
	sum, err := p.AddContent(ctx, "space-a", "item", "text/plain", nil, 5, "", strings.NewReader("hello"))
	require.NoError(t, err, "mirror failures must not fail the write")

	meta, err := good.GetContentMetadata(ctx, "space-a", "item")
	require.NoError(t, err)
	assert.Equal(t, sum, meta[interfaces.ContentChecksum])
	assert.Equal(t, "text/plain", meta[interfaces.ContentMimetype])
	broken.AssertExpectations(t)
	broken.AssertCalled(t, "AddContent", ctx, "space-a", "item", "text/plain", mock.Anything, int64(5), sum, mock.Anything)
}

func TestMirrorProvider_PrimaryFailureStopsWrite(t *testing.T) {
	ctx := context.Background()
	primary := &MockStorageProvider{name: "primary"}
	mirror := &MockStorageProvider{name: "mirror"}
	primary.On("CreateSpace", ctx, "space-a").Return(
		interfaces.NewNoRetryError("createSpace", "space-a", "", interfaces.ErrSpaceAlreadyExists))

	p := NewMirrorProvider(primary, []interfaces.StorageProvider{mirror}, discardLogger())
	err := p.CreateSpace(ctx, "space-a")
	assert.ErrorIs(t, err, interfaces.ErrSpaceAlreadyExists)
	mirror.AssertNotCalled(t, "CreateSpace", mock.Anything, mock.Anything)
}

func TestMirrorProvider_DeleteToleratesMissingOnMirror(t *testing.T) {
	ctx := context.Background()
	primary := &MockStorageProvider{name: "primary"}
	mirror := &MockStorageProvider{name: "mirror"}
	primary.On("DeleteContent", ctx, "s", "c").Return(nil)
	mirror.On("DeleteContent", ctx, "s", "c").Return(interfaces.NewContentNotFound("s", "c"))

	p := NewMirrorProvider(primary, []interfaces.StorageProvider{mirror}, discardLogger())
	require.NoError(t, p.DeleteContent(ctx, "s", "c"))
	primary.AssertExpectations(t)
	mirror.AssertExpectations(t)

	assert.Equal(t, "mirror-primary", p.Name())
	assert.Equal(t, "mirror:[mock://primary,mock://mirror]", p.LocationURI())
}
