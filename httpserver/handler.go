package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ruteri/spacestore/duplication"
	"github.com/ruteri/spacestore/report"
)

// StatusProvider exposes duplication counters.
type StatusProvider interface {
	Snapshot() duplication.StatusSnapshot
}

// ReportProvider exposes the most recent storage report, nil until the
// first one completes.
type ReportProvider interface {
	Latest() *report.Report
}

// Handler serves the duplication status and storage report endpoints.
// Either provider may be nil, in which case its endpoint answers 404.
type Handler struct {
	status  StatusProvider
	reports ReportProvider
	log     *slog.Logger
}

func NewHandler(status StatusProvider, reports ReportProvider, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		status:  status,
		reports: reports,
		log:     log,
	}
}

// HandleStatus writes the duplication counters as JSON.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.Error(w, "Duplication is not configured", http.StatusNotFound)
		return
	}
	h.writeJSON(w, h.status.Snapshot())
}

// HandleReport writes the latest storage report. JSON by default,
// plain text with ?format=text.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	var latest *report.Report
	if h.reports != nil {
		latest = h.reports.Latest()
	}
	if latest == nil {
		http.Error(w, "No report available yet", http.StatusNotFound)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		h.writeJSON(w, latest)
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(latest.String())); err != nil {
			h.log.Error("Failed to write report", "err", err)
		}
	default:
		http.Error(w, "Unsupported format", http.StatusBadRequest)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.log.Error("Failed to write response", "err", err)
	}
}
