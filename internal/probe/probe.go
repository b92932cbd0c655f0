/*
Package probe implements the /heartbeat liveness endpoint.

The heartbeat returns JSON with server status, version, uptime, connection
counters, traffic totals, and process resources. It is served on the
optional management listener so operators and health checks can confirm
the relay is accepting and forwarding connections.
*/
package probe

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ushineko/sniffd/internal/version"
)

// Stats provides an interface for the probe to read server metrics.
type Stats interface {
	ConnectionsTotal() int64
	ConnectionsActive() int64
	Uptime() time.Duration
}

// TrafficData holds pre-computed traffic statistics for the heartbeat.
// A nil *TrafficData means statistics are disabled.
type TrafficData struct {
	HTTP          int64
	TLS           int64
	SniffFailures int64
	RouteFailures int64
	DialFailures  int64
	BytesUp       int64
	BytesDown     int64
	Top           []HostEntry
}

// HostEntry is a backend host name with its traffic.
type HostEntry struct {
	Host        string `json:"host"`
	Connections int64  `json:"connections"`
	BytesUp     int64  `json:"bytes_up"`
	BytesDown   int64  `json:"bytes_down"`
}

// FailureCounts breaks down failed connections by stage.
type FailureCounts struct {
	Sniff int64 `json:"sniff"`
	Route int64 `json:"route"`
	Dial  int64 `json:"dial"`
}

// Response is the JSON structure returned by the heartbeat endpoint.
type Response struct {
	Status            string         `json:"status"`
	Service           string         `json:"service"`
	Version           string         `json:"version"`
	StatsEnabled      bool           `json:"stats_enabled"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
	ConnectionsTotal  int64          `json:"connections_total"`
	ConnectionsActive int64          `json:"connections_active"`
	SniffedHTTP       int64          `json:"sniffed_http"`
	SniffedTLS        int64          `json:"sniffed_tls"`
	Failures          FailureCounts  `json:"failures"`
	BytesUp           int64          `json:"bytes_up"`
	BytesDown         int64          `json:"bytes_down"`
	TopHosts          []HostEntry    `json:"top_hosts"`
	Resources         ResourcesBlock `json:"resources"`
}

// Handler returns an http.HandlerFunc that serves the heartbeat response.
// The trafficFn callback is called on each request to get current traffic
// stats; it may be nil or return nil when statistics are disabled.
func Handler(stats Stats, trafficFn func() *TrafficData) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := Response{
			Status:            "ok",
			Service:           version.Service,
			Version:           version.Short(),
			UptimeSeconds:     int64(stats.Uptime().Seconds()),
			ConnectionsTotal:  stats.ConnectionsTotal(),
			ConnectionsActive: stats.ConnectionsActive(),
			TopHosts:          []HostEntry{},
			Resources:         collectResources(),
		}

		if trafficFn != nil {
			if td := trafficFn(); td != nil {
				resp.StatsEnabled = true
				resp.SniffedHTTP = td.HTTP
				resp.SniffedTLS = td.TLS
				resp.Failures = FailureCounts{Sniff: td.SniffFailures, Route: td.RouteFailures, Dial: td.DialFailures}
				resp.BytesUp = td.BytesUp
				resp.BytesDown = td.BytesDown
				if td.Top != nil {
					resp.TopHosts = td.Top
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp) //nolint:gosec // best-effort response
	}
}

// NewMux returns the management handler serving GET /heartbeat.
func NewMux(stats Stats, trafficFn func() *TrafficData) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /heartbeat", Handler(stats, trafficFn))
	return mux
}
