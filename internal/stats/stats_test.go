package stats_test

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/sniffd/internal/stats"
)

func TestCollector_RecordClose(t *testing.T) {
	c := stats.NewCollector()

	c.RecordClose("example.com", 100, 5000)
	c.RecordClose("example.com", 200, 3000)
	c.RecordClose("api.example.com", 10, 20)

	total := c.Totals()
	assert.Equal(t, int64(3), total.Connections)
	assert.Equal(t, int64(310), total.BytesUp)
	assert.Equal(t, int64(8020), total.BytesDown)
	assert.Equal(t, int64(0), total.Failures)
}

func TestCollector_RecordFailure(t *testing.T) {
	c := stats.NewCollector()

	c.RecordFailure("sniff", "")
	c.RecordFailure("route", "unknown.org")
	c.RecordFailure("dial", "down.org")
	c.RecordFailure("dial", "down.org")

	assert.Equal(t, int64(1), c.SniffFailures.Load())
	assert.Equal(t, int64(1), c.RouteFailures.Load())
	assert.Equal(t, int64(2), c.DialFailures.Load())
	assert.Equal(t, int64(4), c.Totals().Failures)

	var found bool
	for _, s := range c.SnapshotHosts() {
		if s.Host != stats.NoHost {
			continue
		}
		found = true
		assert.Equal(t, int64(1), s.Failures)
	}
	assert.True(t, found, "hostless failure should be keyed as NoHost")
}

func TestCollector_RecordSniff(t *testing.T) {
	c := stats.NewCollector()
	c.RecordAccept()
	c.RecordAccept()
	c.RecordSniff("http")
	c.RecordSniff("tls")
	c.RecordSniff("none")

	assert.Equal(t, int64(2), c.Accepted.Load())
	assert.Equal(t, int64(1), c.HTTP.Load())
	assert.Equal(t, int64(1), c.TLS.Load())
}

func TestCollector_SnapshotHosts(t *testing.T) {
	c := stats.NewCollector()
	c.RecordClose("a.com", 100, 200)
	c.RecordFailure("dial", "a.com")
	c.RecordClose("b.com", 50, 100)

	snaps := c.SnapshotHosts()
	assert.Len(t, snaps, 2)

	var found bool
	for _, s := range snaps {
		if s.Host != "a.com" {
			continue
		}
		found = true
		assert.Equal(t, int64(1), s.Connections)
		assert.Equal(t, int64(1), s.Failures)
		assert.Equal(t, int64(100), s.BytesUp)
		assert.Equal(t, int64(200), s.BytesDown)
	}
	assert.True(t, found, "a.com should be in snapshot")
}

func _openTestDB(t *testing.T) (*stats.DB, *stats.Collector) {
	t.Helper()
	collector := stats.NewCollector()
	db, err := stats.Open(":memory:", collector, slog.Default(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, collector
}

func TestDB_Flush(t *testing.T) {
	db, collector := _openTestDB(t)

	collector.RecordClose("example.com", 100, 500)
	collector.RecordFailure("dial", "down.org")

	require.NoError(t, db.Flush())

	total := db.TotalsSince(time.Time{})
	assert.Equal(t, int64(1), total.Connections)
	assert.Equal(t, int64(1), total.Failures)
	assert.Equal(t, int64(100), total.BytesUp)
	assert.Equal(t, int64(500), total.BytesDown)
}

func TestDB_FlushWritesDeltas(t *testing.T) {
	db, collector := _openTestDB(t)

	collector.RecordClose("a.com", 10, 10)
	require.NoError(t, db.Flush())
	require.NoError(t, db.Flush())
	collector.RecordClose("a.com", 5, 5)
	require.NoError(t, db.Flush())

	top := db.TopHostsSince(10, time.Time{})
	require.Len(t, top, 1)
	assert.Equal(t, int64(2), top[0].Connections)
	assert.Equal(t, int64(15), top[0].BytesUp)
	assert.Equal(t, int64(15), top[0].BytesDown)
}

func TestDB_TopHostsSince(t *testing.T) {
	db, collector := _openTestDB(t)

	collector.RecordClose("big.com", 1000, 9000)
	collector.RecordClose("small.com", 1, 1)
	collector.RecordClose("mid.com", 100, 100)
	require.NoError(t, db.Flush())

	top := db.TopHostsSince(2, time.Now().Add(-time.Hour))
	require.Len(t, top, 2)
	assert.Equal(t, "big.com", top[0].Host)
	assert.Equal(t, "mid.com", top[1].Host)

	assert.Empty(t, db.TopHostsSince(10, time.Now().Add(2*time.Hour)))
}

func TestDB_MergedTopHosts(t *testing.T) {
	db, collector := _openTestDB(t)

	collector.RecordClose("a.com", 100, 100)
	require.NoError(t, db.Flush())

	// More traffic in memory, not yet flushed.
	collector.RecordClose("a.com", 100, 100)
	collector.RecordClose("b.com", 1, 1)

	merged := db.MergedTopHosts(10)
	require.Len(t, merged, 2)
	assert.Equal(t, "a.com", merged[0].Host)
	assert.Equal(t, int64(2), merged[0].Connections, "merged count should be DB + unflushed delta")
	assert.Equal(t, int64(200), merged[0].BytesUp)

	total := db.MergedTotals()
	assert.Equal(t, int64(3), total.Connections)
	assert.Equal(t, int64(201), total.BytesDown)
}

func TestDB_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	collector := stats.NewCollector()
	db, err := stats.Open(path, collector, slog.Default(), time.Minute)
	require.NoError(t, err)
	db.Start()
	collector.RecordClose("a.com", 7, 8)
	require.NoError(t, db.Close(), "close flushes pending deltas")

	reader, err := stats.Open(path, nil, nil, time.Minute)
	require.NoError(t, err)
	defer reader.Close()

	top := reader.MergedTopHosts(0)
	require.Len(t, top, 1)
	assert.Equal(t, "a.com", top[0].Host)
	assert.Equal(t, int64(7), top[0].BytesUp)
	assert.Equal(t, int64(8), top[0].BytesDown)
}
