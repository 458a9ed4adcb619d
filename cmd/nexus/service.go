package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sirsinexus/nexus/pkg/types"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage supervised services",
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List supervised services",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		services, err := c.ListServices(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tSTATUS\tPORT\tRESTARTS\tLAST ERROR")
		for _, svc := range services {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				svc.Name, svc.Type, svc.Status, svc.Port, svc.RestartCount, svc.LastError)
		}
		return w.Flush()
	},
}

var serviceGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show one supervised service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		instance, err := c.GetService(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, instance)
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Register and start a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serviceType, _ := cmd.Flags().GetString("type")
		dependencies, _ := cmd.Flags().GetStringSlice("depends-on")
		autoRestart, _ := cmd.Flags().GetBool("auto-restart")
		threshold, _ := cmd.Flags().GetInt("failure-threshold")

		c := apiClient(cmd)
		instance, err := c.StartService(cmd.Context(), types.ServiceConfig{
			Name:             args[0],
			Type:             types.ServiceType(serviceType),
			Dependencies:     dependencies,
			AutoRestart:      autoRestart,
			FailureThreshold: threshold,
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ Service started: %s (status=%s, port=%d)\n",
			instance.Name, instance.Status, instance.Port)
		return nil
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop a supervised service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		if err := c.StopService(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Service stopped: %s\n", args[0])
		return nil
	},
}

var serviceRestartCmd = &cobra.Command{
	Use:   "restart NAME",
	Short: "Restart a supervised service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		if err := c.RestartService(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Service restarted: %s\n", args[0])
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceGetCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceRestartCmd)

	serviceStartCmd.Flags().String("type", "rest-api", "Service type (rest-api, websocket, grpc, analytics, security, or custom)")
	serviceStartCmd.Flags().StringSlice("depends-on", nil, "Services that must be running first")
	serviceStartCmd.Flags().Bool("auto-restart", true, "Restart the service after failures")
	serviceStartCmd.Flags().Int("failure-threshold", 3, "Failures before the service is marked critical")
}
