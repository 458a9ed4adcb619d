package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirsinexus/nexus/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Nexus - Multi-cloud AI control plane",
	Long: `Nexus is a control plane that supervises its own internal services,
connects to AWS, Azure and GCP accounts, and runs discovery, cost
analysis and optimization tasks against them through a priority
orchestration engine.

A single binary: daemon and CLI in one.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nexus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "http://localhost:7700", "Address of the nexus daemon API")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(connectorCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(registryCmd)
}

// apiClient builds the HTTP client for client-side commands.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}
