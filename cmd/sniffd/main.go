/*
sniffd - transparent sniffing TCP relay.

Usage:

	sniffd [flags]
	sniffd version
	sniffd config dump [flags]
	sniffd config validate [flags]
	sniffd stats top [flags]
*/
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ushineko/sniffd/internal/config"
	"github.com/ushineko/sniffd/internal/version"
)

var (
	// CLI flags; these override config file values when explicitly set.
	flagListen         string
	flagProtocol       string
	flagDefaultBackend string
	flagLogDir         string
	flagVerbose        bool
	flagDataDir        string
	flagConfigPath     string

	flagTopLimit int
	flagTopSince time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sniffd",
	Short: "sniffd - transparent sniffing TCP relay",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query the traffic statistics database",
}

var statsTopCmd = &cobra.Command{
	Use:   "top",
	Short: "Print the busiest hosts by bytes relayed",
	RunE:  runStatsTop,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: sniffd.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for stats.db")

	rootCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "listen address of the first listener (host:port)")
	rootCmd.Flags().StringVar(&flagProtocol, "protocol", "", "sniff protocol of the first listener (http, tls, auto)")
	rootCmd.Flags().StringVar(&flagDefaultBackend, "backend", "", "default backend (host:port) for unmatched connections")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")

	statsTopCmd.Flags().IntVarP(&flagTopLimit, "limit", "n", 10, "number of hosts to print (0 for all)")
	statsTopCmd.Flags().DurationVar(&flagTopSince, "since", 24*time.Hour, "time window to report (0 for all time)")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	statsCmd.AddCommand(statsTopCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	cfg.Merge(overridesFrom(cmd))

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// overridesFrom collects only the flags that were explicitly set.
func overridesFrom(cmd *cobra.Command) config.CLIOverrides {
	overrides := config.CLIOverrides{}
	flags := cmd.Flags()

	if flags.Changed("listen") {
		overrides.Listen = &flagListen
	}
	if flags.Changed("protocol") {
		overrides.Protocol = &flagProtocol
	}
	if flags.Changed("backend") {
		overrides.DefaultBackend = &flagDefaultBackend
	}
	if flags.Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if flags.Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if flags.Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}
	return overrides
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}
