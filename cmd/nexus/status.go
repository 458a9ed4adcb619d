package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		status, err := c.SystemStatus(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println("System status")
		fmt.Printf("  Services: %d total, %d running, %d failed\n",
			status.Total, status.Running, status.Failed)
		fmt.Printf("  Restarts: %d\n", status.TotalRestarts)
		if status.LastIncident != nil {
			fmt.Printf("  Last incident: %s\n", status.LastIncident.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("  Updated: %s\n", status.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the port registry",
}

var registryDirectoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "List active port allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		dir, err := c.Directory(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tTYPE\tHOST\tPORT\tSTATUS")
		for name, alloc := range dir {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				name, alloc.ServiceType, alloc.Host, alloc.Port, alloc.Status)
		}
		return w.Flush()
	},
}

var registryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show port registry occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		stats, err := c.RegistryStats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Allocations: %d total, %d active\n",
			stats.TotalAllocations, stats.ActiveAllocations)
		for serviceType, count := range stats.PerType {
			fmt.Printf("  %s: %d\n", serviceType, count)
		}
		return nil
	},
}

func init() {
	registryCmd.AddCommand(registryDirectoryCmd)
	registryCmd.AddCommand(registryStatsCmd)
}
