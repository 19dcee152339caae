// Command vpcictl drives a simulated vPCI platform: it boots the domains
// described by a platform file and replays configuration space and MSI-X
// accesses against them.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tinyrange/vpci/internal/platform"
)

var (
	platformPath string
	mmapPath     string
	debugLogging bool

	metricsRegistry = prometheus.NewRegistry()
)

var rootCmd = &cobra.Command{
	Use:   "vpcictl",
	Short: "Exercise the vPCI trap layer against a platform description",
	Long: `vpcictl boots the host bridges, domains and devices described by a
platform file and sends trapped accesses through the same handlers a
hypervisor would.

By default every function in the platform file is simulated in memory.
With --mmap the bridges' windows are mapped from a physical memory device
instead and only the declared domains and bridges are used.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if debugLogging {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&platformPath, "platform", "p", "", "platform file (required)")
	rootCmd.PersistentFlags().StringVar(&mmapPath, "mmap", "", "map bridge windows from this device node instead of simulating")
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "enable debug logging")
	rootCmd.MarkPersistentFlagRequired("platform")
}

// loadSystem loads the platform file and boots it.
func loadSystem() (*platform.System, func() error, error) {
	p, err := platform.Load(platformPath)
	if err != nil {
		return nil, nil, err
	}

	opts := platform.Options{
		Logger:  slog.Default(),
		Metrics: metricsRegistry,
	}
	closeFn := func() error { return nil }
	if mmapPath != "" {
		backend, err := openBackend(mmapPath, p)
		if err != nil {
			return nil, nil, err
		}
		opts.Backend = backend
		closeFn = backend.Close
	}

	s, err := platform.NewSystem(p, opts)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return s, closeFn, nil
}

// withSystem runs fn against a freshly booted system.
func withSystem(fn func(s *platform.System) error) error {
	s, closeFn, err := loadSystem()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(s)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
