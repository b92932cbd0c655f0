/*
Package config handles YAML configuration loading, validation, and
CLI flag merging for sniffd.

Configuration is resolved in this order (highest priority first):
  1. CLI flags (explicitly passed)
  2. Config file values
  3. Built-in defaults
*/
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ushineko/sniffd/internal/httpreq"
	"github.com/ushineko/sniffd/internal/sniff"
)

// Config is the top-level configuration for sniffd.
type Config struct {
	LogDir              string     `yaml:"log_dir"`
	Verbose             bool       `yaml:"verbose"`
	DataDir             string     `yaml:"data_dir"`
	Listeners           []Listener `yaml:"listeners"`
	Routes              []Route    `yaml:"routes"`
	DefaultBackend      string     `yaml:"default_backend"`
	OriginalDstFallback bool       `yaml:"original_dst_fallback"`
	Rewrites            []Rewrite  `yaml:"rewrites"`
	Timeouts            Timeouts   `yaml:"timeouts"`
	Stats               Stats      `yaml:"stats"`
	Management          Management `yaml:"management"`
}

// Listener is one accepting socket and how its connections are sniffed.
type Listener struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	Protocol string `yaml:"protocol"`
	Backlog  int    `yaml:"backlog"`
	// Rewrite applies the rewrites section to HTTP requests on this listener.
	Rewrite bool `yaml:"rewrite"`
}

// Route maps sniffed metadata to a backend.
type Route struct {
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	PathPrefix string `yaml:"path_prefix,omitempty"`
	Protocol   string `yaml:"protocol,omitempty"`
	Backend    string `yaml:"backend"`
}

// Rewrite edits matching HTTP request heads before they are forwarded.
type Rewrite struct {
	Host          string            `yaml:"host"`
	PathPrefix    string            `yaml:"path_prefix,omitempty"`
	ReplacePrefix string            `yaml:"replace_prefix,omitempty"`
	SetHeaders    map[string]string `yaml:"set_headers,omitempty"`
	DelHeaders    []string          `yaml:"del_headers,omitempty"`
	Method        string            `yaml:"method,omitempty"`
}

// Timeouts holds relay timeout configuration.
type Timeouts struct {
	Shutdown Duration `yaml:"shutdown"`
	Connect  Duration `yaml:"connect"`
}

// Stats holds statistics collection configuration.
type Stats struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Management holds the heartbeat and recent-log endpoint configuration.
// An empty Listen disables both.
type Management struct {
	Listen string `yaml:"listen"`
	// LogBuffer is the number of recent log records served on /logs.
	// Zero disables the endpoint.
	LogBuffer int `yaml:"log_buffer"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		LogDir:  "logs",
		Verbose: false,
		DataDir: ".",
		Listeners: []Listener{
			{Name: "default", Addr: ":8080", Protocol: "auto", Backlog: 128},
		},
		Timeouts: Timeouts{
			Shutdown: Duration{5 * time.Second},
			Connect:  Duration{10 * time.Second},
		},
		Stats: Stats{
			Enabled:       true,
			FlushInterval: Duration{60 * time.Second},
		},
		Management: Management{
			LogBuffer: 1000,
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for sniffd.yml or sniffd.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"sniffd.yml", "sniffd.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	Listen         *string
	Protocol       *string
	DefaultBackend *string
	LogDir         *string
	Verbose        *bool
	DataDir        *string
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values. Listen and Protocol apply to the first
// listener, creating one if the config has none.
func (c *Config) Merge(o CLIOverrides) {
	if (o.Listen != nil || o.Protocol != nil) && len(c.Listeners) == 0 {
		c.Listeners = []Listener{{Name: "default", Protocol: "auto", Backlog: 128}}
	}
	if o.Listen != nil {
		c.Listeners[0].Addr = *o.Listen
	}
	if o.Protocol != nil {
		c.Listeners[0].Protocol = *o.Protocol
	}
	if o.DefaultBackend != nil {
		c.DefaultBackend = *o.DefaultBackend
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, validateListeners(c.Listeners)...)
	errs = append(errs, validateRoutes(c.Routes)...)
	errs = append(errs, validateRewrites(c.Rewrites)...)

	if c.DefaultBackend != "" {
		if err := validateHostPort(c.DefaultBackend); err != nil {
			errs = append(errs, fmt.Sprintf("default_backend: %v", err))
		}
	}
	if len(c.Routes) == 0 && c.DefaultBackend == "" && !c.OriginalDstFallback {
		errs = append(errs, "routes: no routes, default_backend, or original_dst_fallback configured")
	}

	// Durations must be positive.
	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.Connect.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.connect: must be positive, got %s", c.Timeouts.Connect))
	}

	// Stats flush interval must be positive when enabled.
	if c.Stats.Enabled && c.Stats.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	if c.Management.Listen != "" {
		if _, err := net.ResolveTCPAddr("tcp", c.Management.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("management.listen: invalid address %q: %v", c.Management.Listen, err))
		}
	}
	if c.Management.LogBuffer < 0 {
		errs = append(errs, fmt.Sprintf("management.log_buffer: must be >= 0, got %d", c.Management.LogBuffer))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

func validateListeners(listeners []Listener) []string {
	var errs []string
	if len(listeners) == 0 {
		errs = append(errs, "listeners: at least one listener is required")
	}
	names := make(map[string]bool)
	for i, l := range listeners {
		if l.Name == "" {
			errs = append(errs, fmt.Sprintf("listeners[%d]: name is required", i))
		} else if names[l.Name] {
			errs = append(errs, fmt.Sprintf("listeners[%d]: duplicate name %q", i, l.Name))
		}
		names[l.Name] = true
		if _, err := net.ResolveTCPAddr("tcp", l.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: invalid address %q: %v", i, l.Addr, err))
		}
		if _, err := sniff.ParseProtocol(l.Protocol); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
		if l.Backlog < 0 {
			errs = append(errs, fmt.Sprintf("listeners[%d]: backlog must not be negative, got %d", i, l.Backlog))
		}
	}
	return errs
}

func validateRoutes(routes []Route) []string {
	var errs []string
	for i, r := range routes {
		if msg := validateHostPattern(r.Host); msg != "" {
			errs = append(errs, fmt.Sprintf("routes[%d]: %s", i, msg))
		}
		switch r.Protocol {
		case "", "any", "http":
		case "tls":
			if r.PathPrefix != "" {
				errs = append(errs, fmt.Sprintf("routes[%d]: path_prefix cannot match tls connections", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("routes[%d]: protocol must be http, tls, or any, got %q", i, r.Protocol))
		}
		if r.PathPrefix != "" && !strings.HasPrefix(r.PathPrefix, "/") {
			errs = append(errs, fmt.Sprintf("routes[%d]: path_prefix must start with /, got %q", i, r.PathPrefix))
		}
		if err := validateHostPort(r.Backend); err != nil {
			errs = append(errs, fmt.Sprintf("routes[%d]: backend: %v", i, err))
		}
	}
	return errs
}

func validateRewrites(rewrites []Rewrite) []string {
	var errs []string
	for i, rw := range rewrites {
		if rw.Host != "" {
			if msg := validateHostPattern(rw.Host); msg != "" {
				errs = append(errs, fmt.Sprintf("rewrites[%d]: %s", i, msg))
			}
		}
		if rw.PathPrefix != "" && !strings.HasPrefix(rw.PathPrefix, "/") {
			errs = append(errs, fmt.Sprintf("rewrites[%d]: path_prefix must start with /, got %q", i, rw.PathPrefix))
		}
		if rw.ReplacePrefix != "" && rw.PathPrefix == "" {
			errs = append(errs, fmt.Sprintf("rewrites[%d]: replace_prefix requires path_prefix", i))
		}
		if rw.Method != "" {
			if _, err := httpreq.ParseMethod(rw.Method); err != nil {
				errs = append(errs, fmt.Sprintf("rewrites[%d]: %v", i, err))
			}
		}
		for k, v := range rw.SetHeaders {
			if k == "" || v == "" || strings.ContainsAny(k+v, "\r\n") || strings.Contains(k, ":") {
				errs = append(errs, fmt.Sprintf("rewrites[%d]: invalid header %q: %q", i, k, v))
			}
		}
	}
	return errs
}

// validateHostPattern checks for an exact host name, a *.domain suffix
// pattern, or "*". It returns "" when the pattern is valid.
func validateHostPattern(p string) string {
	switch {
	case p == "*":
		return ""
	case p == "" || strings.Contains(p, "/") || strings.Contains(p, " ") || strings.Contains(p, ":"):
		return fmt.Sprintf("invalid host pattern %q", p)
	case strings.HasPrefix(p, "*."):
		if domain := p[2:]; domain == "" || strings.Contains(domain, "*") {
			return fmt.Sprintf("invalid suffix pattern %q", p)
		}
	case strings.Contains(p, "*"):
		return fmt.Sprintf("wildcard must be prefix *.domain, got %q", p)
	}
	return ""
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("address %q needs both host and port", addr)
	}
	return nil
}

// Dump serializes the config to YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}
