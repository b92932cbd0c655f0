package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ushineko/sniffd/internal/config"
	"github.com/ushineko/sniffd/internal/stats"
)

// runStatsTop prints flushed traffic from stats.db. It skips config
// validation so it works against any data directory.
func runStatsTop(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}
	cfg.Merge(overridesFrom(cmd))

	dbPath := filepath.Join(cfg.DataDir, "stats.db")
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("stats db: %w", err)
	}

	db, err := stats.Open(dbPath, nil, nil, cfg.Stats.FlushInterval.Duration)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-only use

	var since time.Time
	if flagTopSince > 0 {
		since = time.Now().Add(-flagTopSince)
	}
	return printTop(os.Stdout, db.TopHostsSince(flagTopLimit, since), db.TotalsSince(since))
}

func printTop(out io.Writer, hosts []stats.HostSnapshot, total stats.HostSnapshot) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tCONNECTIONS\tFAILURES\tUP\tDOWN")
	for _, hs := range hosts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			hs.Host,
			humanize.Comma(hs.Connections),
			humanize.Comma(hs.Failures),
			humanize.Bytes(uint64(hs.BytesUp)),   //nolint:gosec // byte counts are non-negative
			humanize.Bytes(uint64(hs.BytesDown)), //nolint:gosec // byte counts are non-negative
		)
	}
	fmt.Fprintf(tw, "TOTAL\t%s\t%s\t%s\t%s\n",
		humanize.Comma(total.Connections),
		humanize.Comma(total.Failures),
		humanize.Bytes(uint64(total.BytesUp)),   //nolint:gosec // byte counts are non-negative
		humanize.Bytes(uint64(total.BytesDown)), //nolint:gosec // byte counts are non-negative
	)
	return tw.Flush()
}
