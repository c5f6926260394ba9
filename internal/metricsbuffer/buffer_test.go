package metricsbuffer

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/tokenhub/gateway/internal/tsdb"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *tsdb.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := tsdb.New(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRecordSampleAndFlush(t *testing.T) {
	store := testStore(t)
	b := New(store, Config{SampleRate: 1.0})

	b.RecordSample("gpt-4", "openai", 100, true)
	b.RecordSample("gpt-4", "openai", 200, true)
	b.RecordSample("gpt-4", "openai", 0, false)

	b.Flush()

	series, err := store.Query(context.Background(), tsdb.QueryParams{Metric: "requests_total", ModelID: "gpt-4", ProviderID: "openai"})
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 1 || len(series[0].Points) != 1 {
		t.Fatalf("expected 1 requests_total point, got %+v", series)
	}
	if series[0].Points[0].Value != 3 {
		t.Errorf("expected total=3, got %v", series[0].Points[0].Value)
	}

	errSeries, err := store.Query(context.Background(), tsdb.QueryParams{Metric: "error_rate", ModelID: "gpt-4", ProviderID: "openai"})
	if err != nil {
		t.Fatal(err)
	}
	if len(errSeries) != 1 || len(errSeries[0].Points) != 1 {
		t.Fatalf("expected 1 error_rate point, got %+v", errSeries)
	}
	want := 1.0 / 3.0
	if got := errSeries[0].Points[0].Value; got < want-0.001 || got > want+0.001 {
		t.Errorf("expected error_rate ~%.3f, got %v", want, got)
	}
}

func TestFlushResetsBuckets(t *testing.T) {
	store := testStore(t)
	b := New(store, Config{})

	b.RecordSample("m", "p", 50, true)
	b.Flush()
	b.Flush() // second flush with no new samples should be a no-op

	series, err := store.Query(context.Background(), tsdb.QueryParams{Metric: "requests_total", ModelID: "m", ProviderID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 1 || len(series[0].Points) != 1 {
		t.Fatalf("expected exactly 1 flushed point (second flush is a no-op), got %+v", series)
	}
}

func TestFailuresAlwaysKeptUnderLowSampleRate(t *testing.T) {
	store := testStore(t)
	b := New(store, Config{SampleRate: 0.0001})

	for i := 0; i < 50; i++ {
		b.RecordSample("m", "p", 10, false)
	}
	b.Flush()

	series, err := store.Query(context.Background(), tsdb.QueryParams{Metric: "requests_total", ModelID: "m", ProviderID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 1 || series[0].Points[0].Value != 50 {
		t.Fatalf("expected total=50 regardless of sample rate, got %+v", series)
	}
}

func TestEarlyFlushOnMaxKeys(t *testing.T) {
	store := testStore(t)
	b := New(store, Config{MaxKeys: 2, FlushInterval: time.Hour})

	b.RecordSample("m1", "p", 10, true)
	b.RecordSample("m2", "p", 10, true)
	// m2 brought the map to MaxKeys and triggered an early flush; this third
	// distinct key starts a fresh bucket after it.
	b.RecordSample("m3", "p", 10, true)

	b.mu.Lock()
	remaining := len(b.buckets)
	b.mu.Unlock()
	if remaining == 0 {
		t.Fatal("expected at least one bucket to remain after early flush triggered mid-insert")
	}
}

func TestCloseDrainsOnce(t *testing.T) {
	store := testStore(t)
	b := New(store, Config{})
	b.Start()

	b.RecordSample("m", "p", 10, true)
	b.Close()
	b.Close() // must not panic or double-close channels

	series, err := store.Query(context.Background(), tsdb.QueryParams{Metric: "requests_total", ModelID: "m", ProviderID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 1 {
		t.Fatalf("expected drained sample visible after Close, got %+v", series)
	}
}
