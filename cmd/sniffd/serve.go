package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ushineko/sniffd/internal/config"
	"github.com/ushineko/sniffd/internal/httpreq"
	"github.com/ushineko/sniffd/internal/listen"
	"github.com/ushineko/sniffd/internal/logbuf"
	"github.com/ushineko/sniffd/internal/logging"
	"github.com/ushineko/sniffd/internal/probe"
	"github.com/ushineko/sniffd/internal/relay"
	"github.com/ushineko/sniffd/internal/route"
	"github.com/ushineko/sniffd/internal/sniff"
	"github.com/ushineko/sniffd/internal/stats"
	"github.com/ushineko/sniffd/internal/version"
)

// heartbeatTopHosts is the number of hosts reported by /heartbeat.
const heartbeatTopHosts = 10

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logCfg := logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
	}
	recent := recentLogs(cfg)
	if recent != nil {
		level := slog.LevelInfo
		if cfg.Verbose {
			level = slog.LevelDebug
		}
		logCfg.Extra = append(logCfg.Extra, recent.Handler(level))
	}
	logger, cleanup := logging.Setup(logCfg)
	defer cleanup()

	// The collector is always active for in-memory counters.
	collector := stats.NewCollector()

	var statsDB *stats.DB
	if cfg.Stats.Enabled {
		statsDBPath := filepath.Join(cfg.DataDir, "stats.db")
		statsDB, err = stats.Open(statsDBPath, collector, logger, cfg.Stats.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open stats db: %w", err)
		}
		defer statsDB.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)

		logger.Info("stats database initialized",
			"path", statsDBPath,
			"flush_interval", cfg.Stats.FlushInterval.Duration,
		)
	}

	table := route.New(route.Config{
		Rules:          routeRules(cfg.Routes),
		DefaultBackend: cfg.DefaultBackend,
		OriginalDst:    cfg.OriginalDstFallback,
		ConnectTimeout: cfg.Timeouts.Connect.Duration,
		Logger:         logger,
	})
	rewrite := route.Rewriter(rewriteRules(cfg.Rewrites))

	srv := relay.New(relay.Config{
		Router:    table,
		Logger:    logger,
		OnAccept:  collector.RecordAccept,
		OnSniff:   func(kind sniff.Kind, _ string) { collector.RecordSniff(kind.String()) },
		OnFailure: collector.RecordFailure,
		OnClose:   collector.RecordClose,
	})

	endpoints, listeners, err := openListeners(cfg.Listeners, rewrite)
	if err != nil {
		return err
	}

	var mgmt *http.Server
	var mgmtLn net.Listener
	if cfg.Management.Listen != "" {
		mgmtLn, err = listen.Listen(cfg.Management.Listen, 0)
		if err != nil {
			closeAll(listeners)
			return fmt.Errorf("management: %w", err)
		}
		mgmt = &http.Server{
			Handler:           managementMux(srv, trafficFn(collector, statsDB), recent),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if statsDB != nil {
		statsDB.Start()
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("relay starting",
		"version", version.Full(),
		"listeners", len(listeners),
		"routes", len(cfg.Routes),
		"rewrites", len(cfg.Rewrites),
		"default_backend", cfg.DefaultBackend,
		"original_dst_fallback", cfg.OriginalDstFallback,
		"log_dir", cfg.LogDir,
		"verbose", cfg.Verbose,
		"stats_enabled", cfg.Stats.Enabled,
	)

	errCh := make(chan error, len(listeners)+1)
	for i, ln := range listeners {
		go func() {
			errCh <- srv.Serve(ln, endpoints[i])
		}()
	}
	if mgmt != nil {
		logger.Info("management listener started", "addr", mgmtLn.Addr().String())
		go func() {
			if err := mgmt.Serve(mgmtLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("management: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("listener failed", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if mgmt != nil {
		_ = mgmt.Shutdown(shutdownCtx) //nolint:errcheck // best-effort on shutdown
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	// Stats DB close (with final flush) happens via defer above.

	logger.Info("relay stopped", "connections_total", srv.ConnectionsTotal())
	return serveErr
}

// recentLogs returns the /logs ring, or nil when the management listener or
// the buffer is disabled.
func recentLogs(cfg config.Config) *logbuf.Buffer {
	if cfg.Management.Listen == "" || cfg.Management.LogBuffer <= 0 {
		return nil
	}
	return logbuf.New(cfg.Management.LogBuffer)
}

func managementMux(srv probe.Stats, traffic func() *probe.TrafficData, recent *logbuf.Buffer) *http.ServeMux {
	mux := probe.NewMux(srv, traffic)
	if recent != nil {
		mux.Handle("GET /logs", recent)
	}
	return mux
}

// openListeners binds every configured listener up front so that an address
// conflict fails startup instead of a single accept loop.
func openListeners(cfgs []config.Listener, rewrite httpreq.RewriteFunc) ([]relay.Endpoint, []net.Listener, error) {
	endpoints := make([]relay.Endpoint, 0, len(cfgs))
	listeners := make([]net.Listener, 0, len(cfgs))
	for _, l := range cfgs {
		ep, err := endpointFor(l, rewrite)
		if err != nil {
			closeAll(listeners)
			return nil, nil, err
		}
		ln, err := listen.Listen(l.Addr, l.Backlog)
		if err != nil {
			closeAll(listeners)
			return nil, nil, fmt.Errorf("listener %s: %w", l.Name, err)
		}
		endpoints = append(endpoints, ep)
		listeners = append(listeners, ln)
	}
	return endpoints, listeners, nil
}

func endpointFor(l config.Listener, rewrite httpreq.RewriteFunc) (relay.Endpoint, error) {
	proto, err := sniff.ParseProtocol(l.Protocol)
	if err != nil {
		return relay.Endpoint{}, fmt.Errorf("listener %s: %w", l.Name, err)
	}
	ep := relay.Endpoint{Name: l.Name, Protocol: proto}
	if l.Rewrite {
		ep.Rewrite = rewrite
	}
	return ep, nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close() //nolint:errcheck // best-effort close
	}
}

func routeRules(routes []config.Route) []route.Rule {
	rules := make([]route.Rule, 0, len(routes))
	for _, r := range routes {
		rules = append(rules, route.Rule{
			Name:       r.Name,
			Host:       r.Host,
			PathPrefix: r.PathPrefix,
			Protocol:   r.Protocol,
			Backend:    r.Backend,
		})
	}
	return rules
}

func rewriteRules(rewrites []config.Rewrite) []route.RewriteRule {
	rules := make([]route.RewriteRule, 0, len(rewrites))
	for _, rw := range rewrites {
		rules = append(rules, route.RewriteRule{
			Host:          rw.Host,
			PathPrefix:    rw.PathPrefix,
			ReplacePrefix: rw.ReplacePrefix,
			SetHeaders:    rw.SetHeaders,
			DelHeaders:    rw.DelHeaders,
			Method:        httpreq.Method(rw.Method),
		})
	}
	return rules
}

// trafficFn builds the heartbeat traffic callback. It returns nil when the
// stats database is disabled.
func trafficFn(collector *stats.Collector, db *stats.DB) func() *probe.TrafficData {
	if db == nil {
		return nil
	}
	return func() *probe.TrafficData {
		totals := db.MergedTotals()
		td := &probe.TrafficData{
			HTTP:          collector.HTTP.Load(),
			TLS:           collector.TLS.Load(),
			SniffFailures: collector.SniffFailures.Load(),
			RouteFailures: collector.RouteFailures.Load(),
			DialFailures:  collector.DialFailures.Load(),
			BytesUp:       totals.BytesUp,
			BytesDown:     totals.BytesDown,
		}
		for _, hs := range db.MergedTopHosts(heartbeatTopHosts) {
			td.Top = append(td.Top, probe.HostEntry{
				Host:        hs.Host,
				Connections: hs.Connections,
				BytesUp:     hs.BytesUp,
				BytesDown:   hs.BytesDown,
			})
		}
		return td
	}
}

