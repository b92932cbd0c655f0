package probe_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/sniffd/internal/probe"
)

type _mockStats struct {
	total  int64
	active int64
	uptime time.Duration
}

func (m *_mockStats) ConnectionsTotal() int64  { return m.total }
func (m *_mockStats) ConnectionsActive() int64 { return m.active }
func (m *_mockStats) Uptime() time.Duration    { return m.uptime }

func TestHandler(t *testing.T) {
	traffic := &probe.TrafficData{
		HTTP:          5,
		TLS:           7,
		SniffFailures: 1,
		RouteFailures: 2,
		DialFailures:  3,
		BytesUp:       100,
		BytesDown:     2000,
		Top:           []probe.HostEntry{{Host: "a.example.com", Connections: 4, BytesUp: 90, BytesDown: 1900}},
	}

	tests := []struct {
		name      string
		stats     *_mockStats
		trafficFn func() *probe.TrafficData
		checks    func(t *testing.T, resp probe.Response)
	}{
		{
			name:  "returns ok status and service name",
			stats: &_mockStats{},
			checks: func(t *testing.T, resp probe.Response) {
				assert.Equal(t, "ok", resp.Status)
				assert.Equal(t, "sniffd", resp.Service)
				assert.NotEmpty(t, resp.Version)
				assert.False(t, resp.StatsEnabled)
				assert.NotNil(t, resp.TopHosts)
			},
		},
		{
			name:  "returns connection counters",
			stats: &_mockStats{total: 42, active: 3, uptime: 90 * time.Second},
			checks: func(t *testing.T, resp probe.Response) {
				assert.Equal(t, int64(42), resp.ConnectionsTotal)
				assert.Equal(t, int64(3), resp.ConnectionsActive)
				assert.Equal(t, int64(90), resp.UptimeSeconds)
			},
		},
		{
			name:      "returns traffic",
			stats:     &_mockStats{},
			trafficFn: func() *probe.TrafficData { return traffic },
			checks: func(t *testing.T, resp probe.Response) {
				assert.True(t, resp.StatsEnabled)
				assert.Equal(t, int64(5), resp.SniffedHTTP)
				assert.Equal(t, int64(7), resp.SniffedTLS)
				assert.Equal(t, probe.FailureCounts{Sniff: 1, Route: 2, Dial: 3}, resp.Failures)
				assert.Equal(t, int64(100), resp.BytesUp)
				assert.Equal(t, int64(2000), resp.BytesDown)
				assert.Equal(t, traffic.Top, resp.TopHosts)
			},
		},
		{
			name:      "nil traffic means stats disabled",
			stats:     &_mockStats{},
			trafficFn: func() *probe.TrafficData { return nil },
			checks: func(t *testing.T, resp probe.Response) {
				assert.False(t, resp.StatsEnabled)
				assert.Empty(t, resp.TopHosts)
			},
		},
		{
			name:  "returns resources",
			stats: &_mockStats{},
			checks: func(t *testing.T, resp probe.Response) {
				assert.Positive(t, resp.Resources.Goroutines)
				assert.Positive(t, resp.Resources.MemSysMB)
				assert.NotZero(t, resp.Resources.MaxFDs)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := probe.Handler(tt.stats, tt.trafficFn)
			req := httptest.NewRequest(http.MethodGet, "/heartbeat", nil)
			rec := httptest.NewRecorder()

			handler(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var resp probe.Response
			err := json.Unmarshal(rec.Body.Bytes(), &resp)
			require.NoError(t, err, "response should be valid JSON")

			tt.checks(t, resp)
		})
	}
}

func TestNewMux(t *testing.T) {
	mux := probe.NewMux(&_mockStats{total: 1}, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/heartbeat", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/heartbeat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
