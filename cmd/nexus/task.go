package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sirsinexus/nexus/pkg/client"
	"github.com/sirsinexus/nexus/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage orchestrated tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit TYPE",
	Short: "Submit a task",
	Long: `Submit a task to the orchestration engine.

Examples:
  # Discover EC2 instances at high priority
  nexus task submit discovery --priority 80 --param resource_types=instances

  # Cost analysis after a discovery task completes
  nexus task submit cost_analysis --depends-on <task-id>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		dependencies, _ := cmd.Flags().GetStringSlice("depends-on")
		params, _ := cmd.Flags().GetStringToString("param")

		parameters := make(map[string]any, len(params))
		for k, v := range params {
			parameters[k] = v
		}

		c := apiClient(cmd)
		taskID, err := c.SubmitTask(cmd.Context(), client.SubmitTaskRequest{
			Type:         types.TaskType(args[0]),
			Priority:     priority,
			Dependencies: dependencies,
			Parameters:   parameters,
			MaxRetries:   maxRetries,
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ Task submitted: %s\n", taskID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		tasks, err := c.ListTasks(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tAGENT")
		for _, task := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\n",
				task.ID, task.Type, task.Status, task.Priority,
				task.CurrentRetry, task.MaxRetries, task.AssignedAgent)
		}
		return w.Flush()
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		task, err := c.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, task)
	},
}

var taskResultsCmd = &cobra.Command{
	Use:   "results ID",
	Short: "Show a task's session results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		results, err := c.TaskResults(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, results)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)

		if err := c.CancelTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Task cancelled: %s\n", args[0])
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskResultsCmd)
	taskCmd.AddCommand(taskCancelCmd)

	taskSubmitCmd.Flags().Int("priority", 50, "Task priority (0-100, higher first)")
	taskSubmitCmd.Flags().Int("max-retries", 3, "Retry budget on failure")
	taskSubmitCmd.Flags().StringSlice("depends-on", nil, "Task IDs this task waits for")
	taskSubmitCmd.Flags().StringToString("param", nil, "Task parameters (key=value)")
}

func printJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
