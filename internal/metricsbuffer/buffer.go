// Package metricsbuffer implements the in-memory metrics aggregator of spec
// §4.5: samples are recorded per (logical_model, provider_id) bucket, kept as
// a running total/success/error/latency_sum plus a bounded reservoir sample,
// and periodically flushed into durable time-series storage.
//
// Grounded on internal/stats.Collector, generalized from a dashboard-only
// rolling snapshot log into the spec's reservoir-sampled aggregator.
package metricsbuffer

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tokenhub/gateway/internal/tsdb"
)

// reservoirSize bounds the number of raw latency samples kept per bucket for
// percentile estimation between flushes.
const reservoirSize = 256

// BucketKey identifies one (logical_model, provider) aggregation bucket.
type BucketKey struct {
	LogicalModel string
	ProviderID   string
}

// bucketAgg is the running aggregate for one bucket since the last flush.
type bucketAgg struct {
	total      int
	success    int
	errorCount int
	latencySum float64
	reservoir  []float64
	seen       int // samples considered for reservoir inclusion (successes, post-sampling)
}

func (b *bucketAgg) addLatency(latencyMs float64) {
	b.seen++
	if len(b.reservoir) < reservoirSize {
		b.reservoir = append(b.reservoir, latencyMs)
		return
	}
	j := rand.Intn(b.seen)
	if j < reservoirSize {
		b.reservoir[j] = latencyMs
	}
}

func (b *bucketAgg) p95() float64 {
	if len(b.reservoir) == 0 {
		return 0
	}
	sorted := append([]float64(nil), b.reservoir...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Buffer is the in-process metrics aggregator. One Buffer is shared across
// the process (spec §5: "one per process, a small mutex guards it").
type Buffer struct {
	mu      sync.Mutex
	buckets map[BucketKey]*bucketAgg

	store *tsdb.Store

	flushInterval time.Duration
	maxKeys       int
	sampleRate    float64 // fraction of successes sampled into latency_sum/reservoir; errors always kept

	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	closedMu sync.Mutex
	closed   bool
}

// Config controls Buffer flush cadence and sampling policy.
type Config struct {
	FlushInterval time.Duration // default 10s
	MaxKeys       int           // early-flush trigger; default 500
	SampleRate    float64       // default 1.0 (sample everything)
}

// New creates a Buffer that flushes aggregates into the given TSDB store.
func New(store *tsdb.Store, cfg Config) *Buffer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 500
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}
	return &Buffer{
		buckets:       make(map[BucketKey]*bucketAgg),
		store:         store,
		flushInterval: cfg.FlushInterval,
		maxKeys:       cfg.MaxKeys,
		sampleRate:    cfg.SampleRate,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the periodic flush goroutine. Safe to call once.
func (b *Buffer) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.loop()
}

func (b *Buffer) loop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// RecordSample records one request outcome into its bucket. Failures are
// always kept; successes are sampled at SampleRate (spec §4.5's sampling
// policy) to bound memory under high throughput.
func (b *Buffer) RecordSample(logicalModel, providerID string, latencyMs float64, success bool) {
	key := BucketKey{LogicalModel: logicalModel, ProviderID: providerID}

	b.mu.Lock()
	defer b.mu.Unlock()

	agg, ok := b.buckets[key]
	if !ok {
		agg = &bucketAgg{}
		b.buckets[key] = agg
	}
	agg.total++
	if success {
		agg.success++
	} else {
		agg.errorCount++
	}

	keep := !success || b.sampleRate >= 1.0 || rand.Float64() < b.sampleRate
	if keep {
		agg.latencySum += latencyMs
		agg.addLatency(latencyMs)
	}

	if len(b.buckets) >= b.maxKeys {
		b.flushLocked()
	}
}

// Flush snapshots all buckets and merges them into the TSDB store, resetting
// in-memory state (spec §4.5: "flush takes a snapshot and releases").
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Buffer) flushLocked() {
	if len(b.buckets) == 0 {
		return
	}
	now := time.Now().UTC()
	for key, agg := range b.buckets {
		if agg.total == 0 {
			continue
		}
		errRate := float64(agg.errorCount) / float64(agg.total)
		avgLatency := 0.0
		if agg.total > 0 {
			avgLatency = agg.latencySum / float64(agg.total)
		}
		if b.store != nil {
			b.store.Write(tsdb.Point{Timestamp: now, Metric: "requests_total", ModelID: key.LogicalModel, ProviderID: key.ProviderID, Value: float64(agg.total)})
			b.store.Write(tsdb.Point{Timestamp: now, Metric: "error_rate", ModelID: key.LogicalModel, ProviderID: key.ProviderID, Value: errRate})
			b.store.Write(tsdb.Point{Timestamp: now, Metric: "avg_latency_ms", ModelID: key.LogicalModel, ProviderID: key.ProviderID, Value: avgLatency})
			b.store.Write(tsdb.Point{Timestamp: now, Metric: "p95_latency_ms", ModelID: key.LogicalModel, ProviderID: key.ProviderID, Value: agg.p95()})
		}
	}
	b.buckets = make(map[BucketKey]*bucketAgg)
}

// Close stops the flush goroutine and drains any remaining samples exactly
// once (spec §4.5's shutdown drain).
func (b *Buffer) Close() {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()

	if started {
		close(b.stopCh)
		<-b.doneCh
	}
	b.Flush()
	slog.Info("metrics buffer drained on shutdown")
}
