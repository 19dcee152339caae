package main

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/tinyrange/vpci/internal/platform"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the trap counters in the Prometheus text format",
	Long: `Print the trap counters in the Prometheus text format.

The counters reflect booting the platform only. Use "run" with a "stats"
line to see them after a sequence of accesses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(func(s *platform.System) error {
			return writeStats(os.Stdout, metricsRegistry)
		})
	},
}

func writeStats(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
