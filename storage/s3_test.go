package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/spacestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const s3MetaPrefix = "X-Amz-Meta-"

type fakeS3Object struct {
	data     []byte
	etag     string
	mimeType string
	meta     map[string]string
	modified time.Time
}

// fakeS3 serves the path-style subset of the S3 API the provider uses.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string]*fakeS3Object
	// putETag overrides the ETag of uploaded objects.
	putETag func(data []byte) string
}

func newFakeS3(t *testing.T, buckets ...string) (*fakeS3, *S3Provider) {
	t.Helper()
	f := &fakeS3{buckets: map[string]map[string]*fakeS3Object{}}
	for _, b := range buckets {
		f.buckets[b] = map[string]*fakeS3Object{}
	}
	ts := httptest.NewServer(f)
	t.Cleanup(ts.Close)

	p, err := NewS3Provider(S3Config{
		Endpoint:  ts.URL,
		AccessKey: "test",
		SecretKey: "test",
		PathStyle: true,
	}, discardLogger())
	require.NoError(t, err)
	return f, p
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (f *fakeS3) object(bucket, key string) *fakeS3Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket][key]
}

func (f *fakeS3) put(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket][key] = &fakeS3Object{
		data:     data,
		etag:     md5Hex(data),
		mimeType: "application/octet-stream",
		meta:     map[string]string{},
		modified: time.Now(),
	}
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, "<Error><Code>"+code+"</Code><Message>"+code+"</Message></Error>")
}

func writeS3XML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	_ = xml.NewEncoder(w).Encode(v)
}

type fakeS3ListResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Xmlns       string   `xml:"xmlns,attr"`
	Name        string
	Prefix      string
	KeyCount    int
	MaxKeys     int
	IsTruncated bool
	Contents    []fakeS3ListEntry
}

type fakeS3ListEntry struct {
	Key  string
	Size int64
}

type fakeS3CopyResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	ETag         string
	LastModified string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")

	f.mu.Lock()
	defer f.mu.Unlock()
	objects, ok := f.buckets[bucket]
	if !ok {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	if key == "" {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
			f.list(w, r, bucket, objects)
		default:
			writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
		}
		return
	}

	switch r.Method {
	case http.MethodPut:
		if src := r.Header.Get("X-Amz-Copy-Source"); src != "" {
			obj, ok := objects[key]
			if !ok {
				writeS3Error(w, http.StatusNotFound, "NoSuchKey")
				return
			}
			obj.meta = metaFromHeaders(r.Header)
			obj.mimeType = r.Header.Get("Content-Type")
			writeS3XML(w, fakeS3CopyResult{
				ETag:         `"` + obj.etag + `"`,
				LastModified: obj.modified.UTC().Format("2006-01-02T15:04:05.000Z"),
			})
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeS3Error(w, http.StatusInternalServerError, "InternalError")
			return
		}
		etag := md5Hex(data)
		if f.putETag != nil {
			etag = f.putETag(data)
		}
		objects[key] = &fakeS3Object{
			data:     data,
			etag:     etag,
			mimeType: r.Header.Get("Content-Type"),
			meta:     metaFromHeaders(r.Header),
			modified: time.Now(),
		}
		w.Header().Set("ETag", `"`+etag+`"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		obj, ok := objects[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		for k, v := range obj.meta {
			w.Header().Set(s3MetaPrefix+k, v)
		}
		w.Header().Set("ETag", `"`+obj.etag+`"`)
		w.Header().Set("Content-Type", obj.mimeType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("Last-Modified", obj.modified.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.data)
		}
	case http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request, bucket string, objects map[string]*fakeS3Object) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	startAfter := q.Get("start-after")
	maxKeys := 1000
	if v := q.Get("max-keys"); v != "" {
		maxKeys, _ = strconv.Atoi(v)
	}

	keys := make([]string, 0, len(objects))
	for k := range objects {
		if strings.HasPrefix(k, prefix) && k > startAfter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := fakeS3ListResult{
		Xmlns:   "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:    bucket,
		Prefix:  prefix,
		MaxKeys: maxKeys,
	}
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		res.IsTruncated = true
	}
	for _, k := range keys {
		res.Contents = append(res.Contents, fakeS3ListEntry{Key: k, Size: int64(len(objects[k].data))})
	}
	res.KeyCount = len(res.Contents)
	writeS3XML(w, res)
}

func metaFromHeaders(h http.Header) map[string]string {
	meta := map[string]string{}
	for k := range h {
		if strings.HasPrefix(k, s3MetaPrefix) {
			meta[strings.ToLower(strings.TrimPrefix(k, s3MetaPrefix))] = h.Get(k)
		}
	}
	return meta
}

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		name       string
		contentID  string
		err        error
		wantIs     error
		wantPolicy interfaces.RetryPolicy
	}{
		{
			name:   "no such bucket",
			err:    awserr.New(s3.ErrCodeNoSuchBucket, "gone", nil),
			wantIs: interfaces.ErrSpaceNotFound,
		},
		{
			name:      "no such key",
			contentID: "a.txt",
			err:       awserr.New(s3.ErrCodeNoSuchKey, "gone", nil),
			wantIs:    interfaces.ErrContentNotFound,
		},
		{
			name:      "head 404 on object",
			contentID: "a.txt",
			err:       awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), http.StatusNotFound, "req"),
			wantIs:    interfaces.ErrContentNotFound,
		},
		{
			name:   "head 404 on bucket",
			err:    awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), http.StatusNotFound, "req"),
			wantIs: interfaces.ErrSpaceNotFound,
		},
		{
			name:       "bucket already owned",
			err:        awserr.New(s3.ErrCodeBucketAlreadyOwnedByYou, "mine", nil),
			wantIs:     interfaces.ErrSpaceAlreadyExists,
			wantPolicy: interfaces.NoRetry,
		},
		{
			name:       "access denied",
			err:        awserr.NewRequestFailure(awserr.New("AccessDenied", "denied", nil), http.StatusForbidden, "req"),
			wantPolicy: interfaces.NoRetry,
		},
		{
			name:       "server error",
			err:        awserr.NewRequestFailure(awserr.New("InternalError", "oops", nil), http.StatusInternalServerError, "req"),
			wantPolicy: interfaces.Retry,
		},
		{
			name:       "slow down",
			err:        awserr.NewRequestFailure(awserr.New("SlowDown", "slow", nil), http.StatusServiceUnavailable, "req"),
			wantPolicy: interfaces.Retry,
		},
		{
			name:       "throttled",
			err:        awserr.New("Throttling", "slow", nil),
			wantPolicy: interfaces.Retry,
		},
		{
			name:       "request timeout",
			err:        awserr.New("RequestTimeout", "timeout", nil),
			wantPolicy: interfaces.Retry,
		},
		{
			name:       "unknown transport failure",
			err:        errors.New("connection reset"),
			wantPolicy: interfaces.Retry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyS3Error("op", "docs", tt.contentID, tt.err)
			assertClassified(t, err, tt.wantIs, tt.wantPolicy)
		})
	}
}

// assertClassified checks a not-found sentinel when wantIs names one, or the
// retry policy of the resulting StorageError otherwise.
func assertClassified(t *testing.T, err, wantIs error, wantPolicy interfaces.RetryPolicy) {
	t.Helper()
	require.Error(t, err)
	if wantIs != nil {
		assert.ErrorIs(t, err, wantIs)
	}
	if errors.Is(wantIs, interfaces.ErrNotFound) {
		assert.True(t, interfaces.IsNotFound(err))
		assert.False(t, interfaces.IsRetryable(err))
		return
	}
	var se *interfaces.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, wantPolicy, se.Policy)
	assert.Equal(t, wantPolicy == interfaces.Retry, interfaces.IsRetryable(err))
}

func TestS3ListingSkipsSentinel(t *testing.T) {
	f, p := newFakeS3(t, "docs")
	for _, key := range []string{spaceMetadataObject, "a", "b", "c", "logs/1", "logs/2"} {
		f.put("docs", key, []byte(key))
	}
	ctx := context.Background()

	ids, err := p.GetSpaceContentsChunked(ctx, "docs", "", 2, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = p.GetSpaceContentsChunked(ctx, "docs", "", 10, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "logs/1", "logs/2"}, ids, "marker item is excluded")

	ids, err = p.GetSpaceContentsChunked(ctx, "docs", "logs/", 10, "logs/1")
	require.NoError(t, err)
	assert.Equal(t, []string{"logs/2"}, ids)

	it, err := p.GetSpaceContents(ctx, "docs", "")
	require.NoError(t, err)
	all, err := Collect(ctx, it)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "logs/1", "logs/2"}, all)

	_, err = p.GetSpaceContentsChunked(ctx, "missing", "", 10, "")
	assert.ErrorIs(t, err, interfaces.ErrSpaceNotFound)
}

func TestS3AddContentChecksum(t *testing.T) {
	data := []byte("hello, space")
	actual := md5Hex(data)

	tests := []struct {
		name         string
		expected     string
		putETag      func([]byte) string
		wantMismatch bool
		wantStored   string
	}{
		{
			name:       "declared checksum matches",
			expected:   actual,
			wantStored: actual,
		},
		{
			name:       "no declared checksum",
			wantStored: actual,
		},
		{
			name:         "declared checksum differs",
			expected:     md5Hex([]byte("something else")),
			wantMismatch: true,
			wantStored:   actual,
		},
		{
			name:       "multipart etag records the digest",
			expected:   actual,
			putETag:    func([]byte) string { return "0123456789abcdef0123456789abcdef-2" },
			wantStored: actual,
		},
		{
			name:         "backend stored different bytes",
			putETag:      func([]byte) string { return md5Hex([]byte("tampered")) },
			wantMismatch: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, p := newFakeS3(t, "docs")
			f.putETag = tt.putETag
			ctx := context.Background()

			sum, err := p.AddContent(ctx, "docs", "a.txt", "text/plain", map[string]string{"Owner": "ops"},
				int64(len(data)), tt.expected, strings.NewReader(string(data)))
			if tt.wantMismatch {
				require.ErrorIs(t, err, interfaces.ErrChecksumMismatch)
				assert.False(t, interfaces.IsRetryable(err))
				var se *interfaces.StorageError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, interfaces.NoRetry, se.Policy)
			} else {
				require.NoError(t, err)
				assert.Equal(t, actual, sum)
			}
			if tt.wantStored == "" {
				return
			}

			obj := f.object("docs", "a.txt")
			require.NotNil(t, obj)
			if recorded, ok := obj.meta[interfaces.ContentChecksum]; ok {
				assert.Equal(t, actual, recorded)
			}

			meta, err := p.GetContentMetadata(ctx, "docs", "a.txt")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, meta[interfaces.ContentChecksum])
			assert.Equal(t, "ops", meta["owner"])
			assert.Equal(t, "text/plain", meta[interfaces.ContentMimetype])
			assert.Equal(t, strconv.Itoa(len(data)), meta[interfaces.ContentSize])
		})
	}
}
