// Command querycachedemo exercises the query cache engine end to end: a
// QueryClient backed by a single simulated data source, a few concurrent
// readers, and a periodic metrics export through the logger (stderr).
//
// Usage:
//
//	querycachedemo [flags]
//
// Flags:
//
//	-stale duration
//	    How long a fetched value stays fresh before a read triggers a
//	    background revalidation (default 2s).
//	-cache duration
//	    How long an entry survives with no readers before it is evicted
//	    (default 30s).
//	-readers int
//	    Number of concurrent goroutines reading the same key (default 8).
//	-fail-rate float
//	    Fraction of simulated fetches that fail, to exercise the circuit
//	    breaker (default 0).
//
// Grounded on gittool-Mimir/nornicdb/cmd/nornicdb-bolt/main.go's flag-based
// single-command style.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/arcanecache/querycache/cancel"
	"github.com/arcanecache/querycache/observer"
	"github.com/arcanecache/querycache/query"
	"github.com/arcanecache/querycache/queryclient"
	"github.com/arcanecache/querycache/querykey"
)

func main() {
	staleTime := flag.Duration("stale", 2*time.Second, "freshness window before a read triggers a background revalidation")
	cacheTime := flag.Duration("cache", 30*time.Second, "maximum entry lifetime with no readers")
	readers := flag.Int("readers", 8, "concurrent goroutines reading the same key")
	failRate := flag.Float64("fail-rate", 0, "fraction of simulated fetches that fail")
	flag.Parse()

	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer zapLogger.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLogger)

	client := queryclient.New(queryclient.DefaultConfig())
	defer client.Dispose()

	client.RegisterErrorReporter(func(key string, err error) {
		logger.Error(err, "query failed", "key", key)
	})

	key := querykey.New("demo", "widget", 1)

	fetchCount := 0
	fetchFn := query.FetchFunc[Widget](func(ctx context.Context, token *cancel.Token) (Widget, error) {
		fetchCount++
		select {
		case <-time.After(150 * time.Millisecond):
		case <-token.Context().Done():
			return Widget{}, cancel.Cancelled
		}
		if rand.Float64() < *failRate {
			return Widget{}, errors.New("simulated upstream failure")
		}
		return Widget{ID: 1, Name: "widget", FetchedAt: time.Now(), Sequence: fetchCount}, nil
	})

	opts := query.DefaultOptions[Widget]()
	opts.StaleTime = staleTime
	opts.CacheTime = cacheTime
	opts.Performance.EnableMetrics = true

	q, err := queryclient.GetQuery(client, key, fetchFn, opts)
	if err != nil {
		log.Fatalf("registering query: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exporter := observer.LogExporter{Logger: logger}
	runner := observer.NewExporterRunner(client.GetMetrics, exporter, 2*time.Second, logger)
	go runner.Run(ctx)
	defer runner.Stop()

	unsubs := make([]func(), 0, *readers)
	for i := 0; i < *readers; i++ {
		id := i
		unsub := q.AddListener(func(s query.State[Widget]) {
			if s.Status == query.Success {
				logger.V(1).Info("reader observed state", "reader", id, "sequence", s.Data.Sequence, "stale", s.IsStale)
			}
		})
		unsubs = append(unsubs, unsub)
	}

	fmt.Println("querycachedemo running; press Ctrl+C to stop")
	<-ctx.Done()

	for _, unsub := range unsubs {
		unsub()
	}
	fmt.Println("shutting down")
}

// Widget is the demo's sole cached value type.
type Widget struct {
	ID        int
	Name      string
	FetchedAt time.Time
	Sequence  int
}
