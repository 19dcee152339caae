package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vpci/internal/platform"
)

var dtbOutput string

var dtbCmd = &cobra.Command{
	Use:   "dtb",
	Short: "Write the device tree blob describing the guests' host bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(func(s *platform.System) error {
			blob, err := s.Manager.GuestDeviceTreeBlob()
			if err != nil {
				return fmt.Errorf("build device tree: %w", err)
			}
			if dtbOutput == "" || dtbOutput == "-" {
				_, err = os.Stdout.Write(blob)
				return err
			}
			if err := os.WriteFile(dtbOutput, blob, 0o644); err != nil {
				return fmt.Errorf("write device tree: %w", err)
			}
			fmt.Printf("Wrote %d bytes to %s\n", len(blob), dtbOutput)
			return nil
		})
	},
}

func init() {
	dtbCmd.Flags().StringVarP(&dtbOutput, "output", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(dtbCmd)
}
