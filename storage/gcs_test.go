package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	gcs "cloud.google.com/go/storage"
	"github.com/ruteri/spacestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestClassifyGCSError(t *testing.T) {
	tests := []struct {
		name       string
		contentID  string
		err        error
		wantIs     error
		wantPolicy interfaces.RetryPolicy
	}{
		{
			name:   "bucket does not exist",
			err:    gcs.ErrBucketNotExist,
			wantIs: interfaces.ErrSpaceNotFound,
		},
		{
			name:      "object does not exist",
			contentID: "a.txt",
			err:       fmt.Errorf("reading: %w", gcs.ErrObjectNotExist),
			wantIs:    interfaces.ErrContentNotFound,
		},
		{
			name:      "api 404 on object",
			contentID: "a.txt",
			err:       &googleapi.Error{Code: http.StatusNotFound},
			wantIs:    interfaces.ErrContentNotFound,
		},
		{
			name:   "api 404 on bucket",
			err:    &googleapi.Error{Code: http.StatusNotFound},
			wantIs: interfaces.ErrSpaceNotFound,
		},
		{
			name:       "bucket conflict",
			err:        &googleapi.Error{Code: http.StatusConflict, Message: "You already own this bucket"},
			wantIs:     interfaces.ErrSpaceAlreadyExists,
			wantPolicy: interfaces.NoRetry,
		},
		{
			name:       "forbidden",
			err:        &googleapi.Error{Code: http.StatusForbidden},
			wantPolicy: interfaces.NoRetry,
		},
		{
			name:       "rate limited",
			err:        &googleapi.Error{Code: http.StatusTooManyRequests},
			wantPolicy: interfaces.Retry,
		},
		{
			name:       "backend error",
			err:        &googleapi.Error{Code: http.StatusBadGateway},
			wantPolicy: interfaces.Retry,
		},
		{
			name:       "transport failure",
			err:        errors.New("connection reset"),
			wantPolicy: interfaces.Retry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertClassified(t, classifyGCSError("op", "docs", tt.contentID, tt.err), tt.wantIs, tt.wantPolicy)
		})
	}
}

// newFakeGCSListing serves the JSON object listing of a single bucket.
func newFakeGCSListing(t *testing.T, bucket string, names []string) *httptest.Server {
	t.Helper()
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/b/"+bucket+"/o") {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 404, "message": "Not Found"}})
			return
		}
		q := r.URL.Query()
		items := []map[string]string{}
		for _, n := range sorted {
			if strings.HasPrefix(n, q.Get("prefix")) && n >= q.Get("startOffset") {
				items = append(items, map[string]string{"kind": "storage#object", "name": n, "bucket": bucket})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"kind": "storage#objects", "items": items})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestGCSListingSkipsSentinelAndMarker(t *testing.T) {
	ts := newFakeGCSListing(t, "docs", []string{spaceMetadataObject, "a", "b", "c", "logs/1", "logs/2"})
	ctx := context.Background()

	p, err := NewGCSProvider(ctx, GCSConfig{
		Project:   "test",
		Endpoint:  ts.URL + "/storage/v1/",
		Anonymous: true,
	}, discardLogger())
	require.NoError(t, err)
	defer p.Close()

	ids, err := p.GetSpaceContentsChunked(ctx, "docs", "", 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = p.GetSpaceContentsChunked(ctx, "docs", "", 10, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "logs/1", "logs/2"}, ids)

	ids, err = p.GetSpaceContentsChunked(ctx, "docs", "logs/", 10, "logs/1")
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/2"}, ids)

	_, err = p.GetSpaceContentsChunked(ctx, "missing", "", 10, "")
	assert.True(t, interfaces.IsNotFound(err))
}
