package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vpci/internal/platform"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the MSI-X state of every device",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(func(s *platform.System) error {
			return s.Manager.DumpMSI(os.Stdout)
		})
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}
