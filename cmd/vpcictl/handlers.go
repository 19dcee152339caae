package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vpci/internal/platform"
	"github.com/tinyrange/vpci/internal/vpci"
)

var showRegions bool

var handlersCmd = &cobra.Command{
	Use:   "handlers",
	Short: "Show the MMIO trap budget and usage of every domain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(func(s *platform.System) error {
			m := s.Manager
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DOMAIN\tKIND\tVPCI\tCOUNTED\tREGISTERED\tCAPACITY")
			for _, d := range m.Domains() {
				counted, err := m.CountMMIOHandlers(vpci.DomainConfig{ID: d.ID, Kind: d.Kind, VPCI: d.HasVPCI()})
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%d\n",
					d.ID, d.Kind, d.HasVPCI(), counted, d.Handlers.Len(), d.Handlers.Cap())
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !showRegions {
				return nil
			}
			for _, d := range m.Domains() {
				fmt.Printf("\n%s\n", d)
				for _, r := range d.Handlers.Regions() {
					fmt.Printf("  %#012x-%#012x %s\n", r.Region.Address, r.Region.Address+r.Region.Size, r.Name)
				}
			}
			return nil
		})
	},
}

func init() {
	handlersCmd.Flags().BoolVar(&showRegions, "regions", false, "list every registered trap")
	rootCmd.AddCommand(handlersCmd)
}
