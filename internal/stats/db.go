package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const hourFormat = "2006-01-02T15"

// DB manages the stats SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// lastHosts stores the cumulative snapshot from the previous flush so
	// we can compute deltas.
	lastHosts map[string]HostSnapshot
}

// Open opens or creates a stats database at the given path. A nil
// collector opens the database for queries only.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	if collector == nil {
		collector = NewCollector()
	}
	if logger == nil {
		logger = slog.Default()
	}

	db := &DB{
		conn:      conn,
		collector: collector,
		logger:    logger,
		interval:  flushInterval,
		done:      make(chan struct{}),
		lastHosts: make(map[string]HostSnapshot),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}

	return db.conn.Close()
}

// flushLoop runs periodic flushes until the context is cancelled.
func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush computes deltas since the last flush and writes them to SQLite,
// attributed to the current UTC hour.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	hour := time.Now().UTC().Truncate(time.Hour).Format(hourFormat)

	defer sqlitex.Save(db.conn)(&err)

	current := make(map[string]HostSnapshot)
	for _, hs := range db.collector.SnapshotHosts() {
		current[hs.Host] = hs
		d := hs.sub(db.lastHosts[hs.Host])
		if d.zero() {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO traffic_hourly (hour, host, connections, failures, bytes_up, bytes_down)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (hour, host) DO UPDATE SET
				connections = connections + excluded.connections,
				failures    = failures    + excluded.failures,
				bytes_up    = bytes_up    + excluded.bytes_up,
				bytes_down  = bytes_down  + excluded.bytes_down
		`, &sqlitex.ExecOptions{
			Args: []any{hour, hs.Host, d.Connections, d.Failures, d.BytesUp, d.BytesDown},
		})
		if err != nil {
			return fmt.Errorf("upsert traffic_hourly: %w", err)
		}
	}
	db.lastHosts = current

	return nil
}

// TopHostsSince returns the top n hosts by bytes relayed within a time
// window, from flushed data only. A zero since covers all rows.
func (db *DB) TopHostsSince(n int, since time.Time) []HostSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := db.hostTotals(since)
	sortHosts(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// MergedTopHosts returns the top n hosts by merging DB totals with
// unflushed in-memory deltas.
func (db *DB) MergedTopHosts(n int) []HostSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	merged := db.mergedLocked()

	out := make([]HostSnapshot, 0, len(merged))
	for _, hs := range merged {
		out = append(out, *hs)
	}
	sortHosts(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// MergedTotals returns all-time totals including unflushed in-memory deltas.
func (db *DB) MergedTotals() HostSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	var total HostSnapshot
	for _, hs := range db.mergedLocked() {
		total.add(*hs)
	}
	return total
}

// TotalsSince returns aggregate flushed traffic within a time window.
func (db *DB) TotalsSince(since time.Time) HostSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	var total HostSnapshot
	_ = sqlitex.Execute(db.conn, `
		SELECT COALESCE(SUM(connections), 0),
			COALESCE(SUM(failures), 0),
			COALESCE(SUM(bytes_up), 0),
			COALESCE(SUM(bytes_down), 0)
		FROM traffic_hourly
		WHERE hour >= ?
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour(since)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			total.Connections = stmt.ColumnInt64(0)
			total.Failures = stmt.ColumnInt64(1)
			total.BytesUp = stmt.ColumnInt64(2)
			total.BytesDown = stmt.ColumnInt64(3)
			return nil
		},
	})
	return total
}

func (db *DB) mergedLocked() map[string]*HostSnapshot {
	merged := make(map[string]*HostSnapshot)
	for _, hs := range db.hostTotals(time.Time{}) {
		merged[hs.Host] = &hs
	}

	// Add only the unflushed deltas from in-memory.
	for _, hs := range db.collector.SnapshotHosts() {
		d := hs.sub(db.lastHosts[hs.Host])
		if d.zero() {
			continue
		}
		if existing, ok := merged[hs.Host]; ok {
			existing.add(d)
		} else {
			merged[hs.Host] = &d
		}
	}
	return merged
}

// hostTotals sums traffic_hourly per host since the given time.
func (db *DB) hostTotals(since time.Time) []HostSnapshot {
	var out []HostSnapshot
	_ = sqlitex.Execute(db.conn, `
		SELECT host,
			SUM(connections), SUM(failures), SUM(bytes_up), SUM(bytes_down)
		FROM traffic_hourly
		WHERE hour >= ?
		GROUP BY host
	`, &sqlitex.ExecOptions{
		Args: []any{sinceHour(since)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, HostSnapshot{
				Host:        stmt.ColumnText(0),
				Connections: stmt.ColumnInt64(1),
				Failures:    stmt.ColumnInt64(2),
				BytesUp:     stmt.ColumnInt64(3),
				BytesDown:   stmt.ColumnInt64(4),
			})
			return nil
		},
	})
	return out
}

func sinceHour(since time.Time) string {
	if since.IsZero() {
		return ""
	}
	return since.UTC().Truncate(time.Hour).Format(hourFormat)
}

// sortHosts orders by total bytes descending, then connections, then name.
func sortHosts(hosts []HostSnapshot) {
	sort.Slice(hosts, func(i, j int) bool {
		bi := hosts[i].BytesUp + hosts[i].BytesDown
		bj := hosts[j].BytesUp + hosts[j].BytesDown
		if bi != bj {
			return bi > bj
		}
		if hosts[i].Connections != hosts[j].Connections {
			return hosts[i].Connections > hosts[j].Connections
		}
		return hosts[i].Host < hosts[j].Host
	})
}

// ensureSchema creates the stats tables.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS traffic_hourly (
			hour        TEXT NOT NULL,
			host        TEXT NOT NULL,
			connections INTEGER NOT NULL DEFAULT 0,
			failures    INTEGER NOT NULL DEFAULT 0,
			bytes_up    INTEGER NOT NULL DEFAULT 0,
			bytes_down  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, host)
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_traffic_hourly_hour ON traffic_hourly(hour);
		CREATE INDEX IF NOT EXISTS idx_traffic_hourly_host ON traffic_hourly(host);
	`, nil)
}
