package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sirsinexus/nexus/pkg/client"
	"github.com/sirsinexus/nexus/pkg/types"
)

var connectorCmd = &cobra.Command{
	Use:   "connector",
	Short: "Manage cloud connectors",
}

var connectorCreateCmd = &cobra.Command{
	Use:   "create PROVIDER",
	Short: "Create a connector for a cloud account",
	Long: `Create a connector for an AWS, Azure or GCP account. The connector
is validated against the provider before it is retained.

Examples:
  nexus connector create aws --region us-east-1 \
    --access-key-id AKIA... --secret-access-key ...

  nexus connector create azure --tenant-id ... --client-id ... \
    --client-secret ... --subscription-id ...

  nexus connector create gcp --project-id my-project \
    --credentials-file sa.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := types.Provider(strings.ToLower(args[0]))
		req := client.CreateConnectorRequest{Provider: provider}

		req.Region, _ = cmd.Flags().GetString("region")
		req.AccessKeyID, _ = cmd.Flags().GetString("access-key-id")
		req.SecretAccessKey, _ = cmd.Flags().GetString("secret-access-key")
		req.SessionToken, _ = cmd.Flags().GetString("session-token")
		req.TenantID, _ = cmd.Flags().GetString("tenant-id")
		req.ClientID, _ = cmd.Flags().GetString("client-id")
		req.ClientSecret, _ = cmd.Flags().GetString("client-secret")
		req.SubscriptionID, _ = cmd.Flags().GetString("subscription-id")
		req.ProjectID, _ = cmd.Flags().GetString("project-id")

		if credFile, _ := cmd.Flags().GetString("credentials-file"); credFile != "" {
			data, err := os.ReadFile(credFile)
			if err != nil {
				return fmt.Errorf("reading credentials file: %v", err)
			}
			req.CredentialsBase64 = base64.StdEncoding.EncodeToString(data)
		}

		c := apiClient(cmd)
		connectorID, err := c.CreateConnector(cmd.Context(), req)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Connector created: %s (%s)\n", connectorID, provider)
		return nil
	},
}

var connectorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		infos, err := c.ListConnectors(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROVIDER\tREGION\tHEALTHY\tCAPABILITIES")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				info.ID, info.Provider, info.Region, info.Healthy,
				strings.Join(info.Capabilities, ","))
		}
		return w.Flush()
	},
}

var connectorRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		if err := c.RemoveConnector(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Connector removed: %s\n", args[0])
		return nil
	},
}

var connectorCheckCmd = &cobra.Command{
	Use:   "check ID",
	Short: "Run a connector health check",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		if err := c.CheckConnector(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Connector healthy: %s\n", args[0])
		return nil
	},
}

var connectorDiscoverCmd = &cobra.Command{
	Use:   "discover ID",
	Short: "Discover resources through a connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resourceTypes, _ := cmd.Flags().GetStringSlice("types")

		c := apiClient(cmd)
		result, err := c.Discover(cmd.Context(), args[0], resourceTypes)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	connectorCmd.AddCommand(connectorCreateCmd)
	connectorCmd.AddCommand(connectorListCmd)
	connectorCmd.AddCommand(connectorRemoveCmd)
	connectorCmd.AddCommand(connectorCheckCmd)
	connectorCmd.AddCommand(connectorDiscoverCmd)

	connectorCreateCmd.Flags().String("region", "", "Cloud region")
	connectorCreateCmd.Flags().String("access-key-id", "", "AWS access key ID")
	connectorCreateCmd.Flags().String("secret-access-key", "", "AWS secret access key")
	connectorCreateCmd.Flags().String("session-token", "", "AWS session token")
	connectorCreateCmd.Flags().String("tenant-id", "", "Azure tenant ID")
	connectorCreateCmd.Flags().String("client-id", "", "Azure client ID")
	connectorCreateCmd.Flags().String("client-secret", "", "Azure client secret")
	connectorCreateCmd.Flags().String("subscription-id", "", "Azure subscription ID")
	connectorCreateCmd.Flags().String("project-id", "", "GCP project ID")
	connectorCreateCmd.Flags().String("credentials-file", "", "GCP service account JSON file")

	connectorDiscoverCmd.Flags().StringSlice("types", nil, "Resource types to discover (default: all)")
}
