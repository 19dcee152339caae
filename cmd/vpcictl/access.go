package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vpci/internal/platform"
)

var readCmd = &cobra.Command{
	Use:   "read DOMAIN ADDR [WIDTH]",
	Short: "Read guest physical memory through a domain's traps",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(append([]string{"read"}, args...))
	},
}

var writeCmd = &cobra.Command{
	Use:   "write DOMAIN ADDR VALUE [WIDTH]",
	Short: "Write guest physical memory through a domain's traps",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(append([]string{"write"}, args...))
	},
}

var runCmd = &cobra.Command{
	Use:   "run [SCRIPT]",
	Short: "Run a script of accesses against one booted platform",
	Long: `Run a script of accesses against one booted platform.

Each line holds one operation; '#' starts a comment:

  read DOMAIN ADDR [WIDTH]
  write DOMAIN ADDR VALUE [WIDTH]
  assign DOMAIN SBDF
  deassign DOMAIN SBDF
  dump
  stats

WIDTH defaults to 4. With no SCRIPT, or "-", the script is read from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return withSystem(func(s *platform.System) error {
			r := &runner{s: s, out: os.Stdout, metrics: metricsRegistry}
			return r.runScript(in)
		})
	},
}

// runOp runs a single operation given on the command line.
func runOp(fields []string) error {
	o, err := parseOp(fields)
	if err != nil {
		return err
	}
	return withSystem(func(s *platform.System) error {
		r := &runner{s: s, out: os.Stdout, metrics: metricsRegistry}
		if err := r.exec(o); err != nil {
			return err
		}
		if o.kind == opWrite {
			// Read back what the write left behind.
			o.kind = opRead
			return r.exec(o)
		}
		return nil
	})
}

func init() {
	rootCmd.AddCommand(readCmd, writeCmd, runCmd)
}

