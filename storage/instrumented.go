package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/spacestore/common"
	"github.com/ruteri/spacestore/interfaces"
)

const (
	KiB = float64(1024)
	MiB = float64(1024 * KiB)
	GiB = float64(1024 * MiB)
)

var (
	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.MetricsNamespace,
			Name:      "provider_calls_total",
			Help:      "Number of storage provider calls by outcome",
		},
		[]string{"backend", "op", "outcome"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: common.MetricsNamespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of storage provider calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	contentSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: common.MetricsNamespace,
			Name:      "provider_content_bytes",
			Help:      "Sizes of content written through providers",
			Buckets: []float64{
				KiB,
				64 * KiB,
				MiB,
				8 * MiB,
				64 * MiB,
				256 * MiB,
				GiB,
			},
		},
		[]string{"backend"},
	)
)

// RegisterMetrics registers the provider metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{providerCalls, providerLatency, contentSize} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

// outcome labels an error for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case interfaces.IsNotFound(err):
		return "not_found"
	case interfaces.IsRetryable(err):
		return "retry"
	default:
		return "no_retry"
	}
}

// InstrumentedProvider records call counts, latencies and written sizes of
// the wrapped provider.
type InstrumentedProvider struct {
	next    interfaces.StorageProvider
	backend string
}

var _ interfaces.StorageProvider = (*InstrumentedProvider)(nil)

// Instrument wraps p with metrics collection.
func Instrument(p interfaces.StorageProvider) *InstrumentedProvider {
	return &InstrumentedProvider{next: p, backend: p.Name()}
}

// Unwrap returns the wrapped provider.
func (p *InstrumentedProvider) Unwrap() interfaces.StorageProvider {
	return p.next
}

func (p *InstrumentedProvider) observe(op string, start time.Time, err error) {
	providerCalls.WithLabelValues(p.backend, op, outcome(err)).Inc()
	providerLatency.WithLabelValues(p.backend, op).Observe(time.Since(start).Seconds())
}

func (p *InstrumentedProvider) GetSpaces(ctx context.Context) (it interfaces.ContentIterator, err error) {
	defer func(start time.Time) { p.observe("getSpaces", start, err) }(time.Now())
	return p.next.GetSpaces(ctx)
}

func (p *InstrumentedProvider) CreateSpace(ctx context.Context, spaceID string) (err error) {
	defer func(start time.Time) { p.observe("createSpace", start, err) }(time.Now())
	return p.next.CreateSpace(ctx, spaceID)
}

func (p *InstrumentedProvider) DeleteSpace(ctx context.Context, spaceID string) (err error) {
	defer func(start time.Time) { p.observe("deleteSpace", start, err) }(time.Now())
	return p.next.DeleteSpace(ctx, spaceID)
}

func (p *InstrumentedProvider) GetSpaceMetadata(ctx context.Context, spaceID string) (m map[string]string, err error) {
	defer func(start time.Time) { p.observe("getSpaceMetadata", start, err) }(time.Now())
	return p.next.GetSpaceMetadata(ctx, spaceID)
}

func (p *InstrumentedProvider) SetSpaceMetadata(ctx context.Context, spaceID string, metadata map[string]string) (err error) {
	defer func(start time.Time) { p.observe("setSpaceMetadata", start, err) }(time.Now())
	return p.next.SetSpaceMetadata(ctx, spaceID, metadata)
}

func (p *InstrumentedProvider) GetSpaceAccess(ctx context.Context, spaceID string) (a interfaces.AccessType, err error) {
	defer func(start time.Time) { p.observe("getSpaceAccess", start, err) }(time.Now())
	return p.next.GetSpaceAccess(ctx, spaceID)
}

func (p *InstrumentedProvider) SetSpaceAccess(ctx context.Context, spaceID string, access interfaces.AccessType) (err error) {
	defer func(start time.Time) { p.observe("setSpaceAccess", start, err) }(time.Now())
	return p.next.SetSpaceAccess(ctx, spaceID, access)
}

func (p *InstrumentedProvider) GetSpaceContents(ctx context.Context, spaceID, prefix string) (it interfaces.ContentIterator, err error) {
	defer func(start time.Time) { p.observe("getSpaceContents", start, err) }(time.Now())
	return p.next.GetSpaceContents(ctx, spaceID, prefix)
}

func (p *InstrumentedProvider) GetSpaceContentsChunked(ctx context.Context, spaceID, prefix string, maxResults int, marker string) (ids []string, err error) {
	defer func(start time.Time) { p.observe("getSpaceContentsChunked", start, err) }(time.Now())
	return p.next.GetSpaceContentsChunked(ctx, spaceID, prefix, maxResults, marker)
}

type countingReader struct {
	io.Reader
	n int64
}

func (c *countingReader) Read(buf []byte) (int, error) {
	n, err := c.Reader.Read(buf)
	c.n += int64(n)
	return n, err
}

func (p *InstrumentedProvider) AddContent(ctx context.Context, spaceID, contentID, mimeType string, metadata map[string]string, size int64, expected string, content io.Reader) (sum string, err error) {
	counter := &countingReader{Reader: content}
	defer func(start time.Time) {
		p.observe("addContent", start, err)
		if err == nil {
			contentSize.WithLabelValues(p.backend).Observe(float64(counter.n))
		}
	}(time.Now())
	return p.next.AddContent(ctx, spaceID, contentID, mimeType, metadata, size, expected, counter)
}

func (p *InstrumentedProvider) GetContent(ctx context.Context, spaceID, contentID string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { p.observe("getContent", start, err) }(time.Now())
	return p.next.GetContent(ctx, spaceID, contentID)
}

func (p *InstrumentedProvider) GetContentMetadata(ctx context.Context, spaceID, contentID string) (m map[string]string, err error) {
	defer func(start time.Time) { p.observe("getContentMetadata", start, err) }(time.Now())
	return p.next.GetContentMetadata(ctx, spaceID, contentID)
}

func (p *InstrumentedProvider) SetContentMetadata(ctx context.Context, spaceID, contentID string, metadata map[string]string) (err error) {
	defer func(start time.Time) { p.observe("setContentMetadata", start, err) }(time.Now())
	return p.next.SetContentMetadata(ctx, spaceID, contentID, metadata)
}

func (p *InstrumentedProvider) DeleteContent(ctx context.Context, spaceID, contentID string) (err error) {
	defer func(start time.Time) { p.observe("deleteContent", start, err) }(time.Now())
	return p.next.DeleteContent(ctx, spaceID, contentID)
}

func (p *InstrumentedProvider) Name() string {
	return p.next.Name()
}

func (p *InstrumentedProvider) LocationURI() string {
	return p.next.LocationURI()
}
