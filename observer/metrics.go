package observer

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/arcanecache/querycache/query"
)

// PerformanceSnapshot is a point-in-time rollup of cache- and query-level
// metrics: the payload a MetricsExporter delivers downstream.
type PerformanceSnapshot struct {
	Timestamp time.Time

	TotalQueries  int
	ActiveQueries int

	CacheHits     int64
	CacheMisses   int64
	HitRate       float64
	CurrentBytes  int64
	PeakBytes     int64
	Evictions     int64
	TotalFetches  int64
	TotalLookups  int64
	Subscriptions int

	AvgFetchMs float64
	P95FetchMs float64

	// PerQuery holds each registered query's own fetch-performance
	// breakdown, keyed by its key string.
	PerQuery map[string]query.QueryMetrics
}

// MetricsExporter delivers PerformanceSnapshots to an external sink: a
// dashboard, a metrics backend, a log stream.
type MetricsExporter interface {
	Export(ctx context.Context, snapshot PerformanceSnapshot) error
}

// ExporterRunner periodically pulls a snapshot from source and delivers it to
// exporter, throttled by a token-bucket limiter so a fast producer and a slow
// sink never overrun each other.
//
// Grounded on pkg/middleware/ratelimit.go's golang.org/x/time/rate usage,
// repurposed from inbound HTTP request shedding to outbound export cadence.
type ExporterRunner struct {
	source   func() PerformanceSnapshot
	exporter MetricsExporter
	limiter  *rate.Limiter
	logger   logr.Logger

	stopOnce stopper
}

// stopper is a once-closeable channel, kept as a tiny named type so
// ExporterRunner's zero value isn't usable (Stop would panic on a nil
// channel otherwise) without pulling in sync.Once just for this.
type stopper chan struct{}

// NewExporterRunner builds a runner that calls source and hands the result
// to exporter at most once per "every" interval.
func NewExporterRunner(source func() PerformanceSnapshot, exporter MetricsExporter, every time.Duration, logger logr.Logger) *ExporterRunner {
	return &ExporterRunner{
		source:   source,
		exporter: exporter,
		limiter:  rate.NewLimiter(rate.Every(every), 1),
		logger:   logger,
		stopOnce: make(stopper),
	}
}

// Run blocks, exporting one snapshot per tick of the limiter, until ctx is
// cancelled or Stop is called.
func (r *ExporterRunner) Run(ctx context.Context) {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-r.stopOnce:
			return
		case <-ctx.Done():
			return
		default:
		}

		snap := r.source()
		if err := r.exporter.Export(ctx, snap); err != nil {
			r.logger.Error(err, "metrics export failed")
		}
	}
}

// Stop ends a running Run loop at its next limiter tick.
func (r *ExporterRunner) Stop() {
	close(r.stopOnce)
}

// LogExporter is a reference MetricsExporter that writes snapshots through a
// structured logr.Logger, grounded on pkg/middleware/logging.go's
// field-per-attribute logging style.
type LogExporter struct {
	Logger logr.Logger
}

func (l LogExporter) Export(_ context.Context, snapshot PerformanceSnapshot) error {
	l.Logger.Info("cache performance snapshot",
		"totalQueries", snapshot.TotalQueries,
		"activeQueries", snapshot.ActiveQueries,
		"hitRate", snapshot.HitRate,
		"currentBytes", snapshot.CurrentBytes,
		"peakBytes", snapshot.PeakBytes,
		"evictions", snapshot.Evictions,
		"totalFetches", snapshot.TotalFetches,
		"totalLookups", snapshot.TotalLookups,
		"subscriptions", snapshot.Subscriptions,
		"avgFetchMs", snapshot.AvgFetchMs,
		"p95FetchMs", snapshot.P95FetchMs,
	)
	return nil
}
