package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/spacestore/duplication"
	"github.com/ruteri/spacestore/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type staticStatus duplication.StatusSnapshot

func (s staticStatus) Snapshot() duplication.StatusSnapshot {
	return duplication.StatusSnapshot(s)
}

type staticReports struct {
	r atomic.Pointer[report.Report]
}

func newStaticReports(r *report.Report) *staticReports {
	s := &staticReports{}
	s.r.Store(r)
	return s
}

func (s *staticReports) Latest() *report.Report {
	return s.r.Load()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleReport() *report.Report {
	return &report.Report{
		Provider:   "mem-test",
		Started:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Finished:   time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC),
		Complete:   true,
		TotalItems: 2,
		TotalBytes: 2048,
		Spaces: []report.SpaceReport{{
			SpaceID: "docs",
			Items:   2,
			Bytes:   2048,
			MimeTypes: map[string]report.MimeStat{
				"text/plain": {Items: 2, Bytes: 2048},
			},
		}},
	}
}

func newTestServer(t *testing.T, h *Handler) *Server {
	t.Helper()
	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      testLogger(),
		GracefulShutdownDuration: time.Second,
	}, h)
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleStatus(t *testing.T) {
	h := NewHandler(staticStatus{InFlight: 1, Succeeded: 7, Failed: 2, Retries: 3, LastError: "boom"}, nil, testLogger())
	srv := newTestServer(t, h)

	rec := get(t, srv.Handler(), "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap duplication.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.InFlight)
	assert.Equal(t, int64(7), snap.Succeeded)
	assert.Equal(t, int64(2), snap.Failed)
	assert.Equal(t, int64(3), snap.Retries)
	assert.Equal(t, "boom", snap.LastError)
}

func TestHandleStatus_NotConfigured(t *testing.T) {
	srv := newTestServer(t, NewHandler(nil, nil, testLogger()))
	rec := get(t, srv.Handler(), "/api/v1/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReport(t *testing.T) {
	tests := []struct {
		name        string
		report      *report.Report
		query       string
		wantCode    int
		wantType    string
		checkBodyFn func(t *testing.T, body []byte)
	}{
		{
			name:     "no report yet",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "json",
			report:   sampleReport(),
			wantCode: http.StatusOK,
			wantType: "application/json",
			checkBodyFn: func(t *testing.T, body []byte) {
				var r report.Report
				require.NoError(t, json.Unmarshal(body, &r))
				assert.Equal(t, "mem-test", r.Provider)
				assert.Equal(t, int64(2048), r.TotalBytes)
				require.Len(t, r.Spaces, 1)
				assert.Equal(t, int64(2), r.Spaces[0].MimeTypes["text/plain"].Items)
			},
		},
		{
			name:     "text",
			report:   sampleReport(),
			query:    "?format=text",
			wantCode: http.StatusOK,
			wantType: "text/plain; charset=utf-8",
			checkBodyFn: func(t *testing.T, body []byte) {
				assert.Contains(t, string(body), "mem-test: 2 items, 2.0 KiB")
				assert.Contains(t, string(body), "docs")
			},
		},
		{
			name:     "unknown format",
			report:   sampleReport(),
			query:    "?format=yaml",
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, NewHandler(nil, newStaticReports(tt.report), testLogger()))
			rec := get(t, srv.Handler(), "/api/v1/report"+tt.query)
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, rec.Header().Get("Content-Type"))
			}
			if tt.checkBodyFn != nil {
				tt.checkBodyFn(t, rec.Body.Bytes())
			}
		})
	}
}

func TestReadinessDrain(t *testing.T) {
	srv := newTestServer(t, NewHandler(nil, nil, testLogger()))
	h := srv.Handler()

	rec := get(t, h, "/livez")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())

	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/drain")
	assert.JSONEq(t, `{"status":"draining"}`, rec.Body.String())
	rec = get(t, h, "/drain")
	assert.JSONEq(t, `{"status":"already draining"}`, rec.Body.String())

	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, h, "/undrain")
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
	rec = get(t, h, "/undrain")
	assert.JSONEq(t, `{"status":"already ready"}`, rec.Body.String())

	rec = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClient(t *testing.T) {
	reports := newStaticReports(nil)
	srv := newTestServer(t, NewHandler(staticStatus{Succeeded: 4, Retries: 1}, reports, testLogger()))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := &Client{ServerAddr: ts.URL}
	ctx := context.Background()

	snap, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.Succeeded)
	assert.Equal(t, int64(1), snap.Retries)

	_, err = c.Report(ctx)
	require.ErrorIs(t, err, ErrNoReport)

	reports.r.Store(sampleReport())
	r, err := c.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mem-test", r.Provider)
	assert.True(t, r.Complete)
	assert.Equal(t, int64(2048), r.TotalBytes)

	_, err = (&Client{ServerAddr: ts.URL + "/missing"}).Status(ctx)
	require.Error(t, err)
}
