/*
Package stats provides in-memory counters and SQLite persistence for
relayed traffic.

The Collector accumulates per-host counters in memory using atomic
operations for lock-free increments. A background flush loop periodically
writes deltas to a SQLite database for persistence across restarts.
*/
package stats

import (
	"sync"
	"sync/atomic"
)

// NoHost is the key used for connections without a sniffed host name.
const NoHost = "(none)"

// hostStats holds per-host counters (all atomic for lock-free access).
type hostStats struct {
	Connections atomic.Int64
	Failures    atomic.Int64
	BytesUp     atomic.Int64
	BytesDown   atomic.Int64
}

// Collector accumulates in-memory traffic statistics.
type Collector struct {
	hosts sync.Map // string -> *hostStats

	Accepted      atomic.Int64
	HTTP          atomic.Int64
	TLS           atomic.Int64
	SniffFailures atomic.Int64
	RouteFailures atomic.Int64
	DialFailures  atomic.Int64
}

// NewCollector creates a new in-memory stats collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) host(name string) *hostStats {
	if name == "" {
		name = NoHost
	}
	val, _ := c.hosts.LoadOrStore(name, &hostStats{})
	hs, _ := val.(*hostStats) //nolint:errcheck // type is guaranteed by LoadOrStore
	return hs
}

// RecordAccept counts an accepted client connection.
func (c *Collector) RecordAccept() {
	c.Accepted.Add(1)
}

// RecordSniff counts a successfully sniffed connection by protocol.
func (c *Collector) RecordSniff(protocol string) {
	switch protocol {
	case "http":
		c.HTTP.Add(1)
	case "tls":
		c.TLS.Add(1)
	}
}

// RecordFailure counts a connection that failed at stage ("sniff",
// "route", or "dial") for host.
func (c *Collector) RecordFailure(stage, host string) {
	switch stage {
	case "sniff":
		c.SniffFailures.Add(1)
	case "route":
		c.RouteFailures.Add(1)
	case "dial":
		c.DialFailures.Add(1)
	}
	c.host(host).Failures.Add(1)
}

// RecordClose counts a completed connection to host and its byte totals.
func (c *Collector) RecordClose(host string, up, down int64) {
	hs := c.host(host)
	hs.Connections.Add(1)
	hs.BytesUp.Add(up)
	hs.BytesDown.Add(down)
}

// HostSnapshot captures a point-in-time view of per-host counters.
type HostSnapshot struct {
	Host        string
	Connections int64
	Failures    int64
	BytesUp     int64
	BytesDown   int64
}

func (s *HostSnapshot) add(o HostSnapshot) {
	s.Connections += o.Connections
	s.Failures += o.Failures
	s.BytesUp += o.BytesUp
	s.BytesDown += o.BytesDown
}

func (s *HostSnapshot) sub(o HostSnapshot) HostSnapshot {
	return HostSnapshot{
		Host:        s.Host,
		Connections: s.Connections - o.Connections,
		Failures:    s.Failures - o.Failures,
		BytesUp:     s.BytesUp - o.BytesUp,
		BytesDown:   s.BytesDown - o.BytesDown,
	}
}

func (s *HostSnapshot) zero() bool {
	return s.Connections == 0 && s.Failures == 0 && s.BytesUp == 0 && s.BytesDown == 0
}

// SnapshotHosts returns current per-host stats.
func (c *Collector) SnapshotHosts() []HostSnapshot {
	var out []HostSnapshot
	c.hosts.Range(func(key, value any) bool {
		hs, _ := value.(*hostStats) //nolint:errcheck // type is guaranteed
		host, _ := key.(string)     //nolint:errcheck // type is guaranteed
		out = append(out, HostSnapshot{
			Host:        host,
			Connections: hs.Connections.Load(),
			Failures:    hs.Failures.Load(),
			BytesUp:     hs.BytesUp.Load(),
			BytesDown:   hs.BytesDown.Load(),
		})
		return true
	})
	return out
}

// Totals sums the per-host counters. The Host field is empty.
func (c *Collector) Totals() HostSnapshot {
	var total HostSnapshot
	for _, hs := range c.SnapshotHosts() {
		total.add(hs)
	}
	return total
}
