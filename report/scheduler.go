package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/spacestore/common"
)

var (
	spaceItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.MetricsNamespace,
			Name:      "space_items",
			Help:      "Number of content items per space at the last storage report",
		},
		[]string{"provider", "space"},
	)

	spaceBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.MetricsNamespace,
			Name:      "space_bytes",
			Help:      "Bytes stored per space at the last storage report",
		},
		[]string{"provider", "space"},
	)

	reportDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: common.MetricsNamespace,
		Name:      "report_duration_seconds",
		Help:      "Duration of the last completed storage report",
	})

	reportLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: common.MetricsNamespace,
		Name:      "report_last_success_timestamp_seconds",
		Help:      "Unix time of the last completed storage report",
	})
)

// RegisterMetrics registers the report gauges with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{spaceItems, spaceBytes, reportDuration, reportLastSuccess} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

// Scheduler rebuilds a report on a fixed interval and keeps the latest
// complete one.
type Scheduler struct {
	builder  *Builder
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	latest *Report
}

// NewScheduler creates a Scheduler building every interval.
func NewScheduler(builder *Builder, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{builder: builder, interval: interval, log: log}
}

// Latest returns the last complete report, or nil before the first one.
func (s *Scheduler) Latest() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Run builds a report immediately and then on every tick until ctx is done.
// A build still running when ctx ends is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.builder.Cancel)
	defer stop()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce builds one report and publishes it when complete.
func (s *Scheduler) RunOnce(ctx context.Context) {
	r, err := s.builder.Build(ctx)
	if err != nil {
		s.log.Warn("Storage report failed", "err", err)
		return
	}

	s.mu.Lock()
	s.latest = r
	s.mu.Unlock()

	spaceItems.Reset()
	spaceBytes.Reset()
	for _, sr := range r.Spaces {
		spaceItems.WithLabelValues(r.Provider, sr.SpaceID).Set(float64(sr.Items))
		spaceBytes.WithLabelValues(r.Provider, sr.SpaceID).Set(float64(sr.Bytes))
	}
	reportDuration.Set(r.Finished.Sub(r.Started).Seconds())
	reportLastSuccess.Set(float64(r.Finished.Unix()))
}
