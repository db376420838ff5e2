package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	listWorkflow string
	listStatus   string
	listLimit    int
	stopReason   string
)

var instancesCmd = &cobra.Command{
	Use:     "instances",
	Aliases: []string{"inst"},
	Short:   "Inspect workflow instances of a running server",
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		views, err := client.ListInstances(cmd.Context(), listWorkflow, listStatus, listLimit)
		if err != nil {
			return err
		}
		renderInstances(cmd.OutOrStdout(), views)
		return nil
	},
}

var instancesDescribeCmd = &cobra.Command{
	Use:   "describe <id>",
	Short: "Show one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		view, err := client.DescribeInstance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

var instancesQueryCmd = &cobra.Command{
	Use:   "query <id> <name>",
	Short: "Run a named query against an instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		result, err := client.QueryInstance(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result.Result)
	},
}

var instancesStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a periodic task or terminate any other instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		if err := client.StopInstance(cmd.Context(), args[0], stopReason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminURL, "url", "", "admin API base URL (defaults to admin.base_url or server address)")

	instancesListCmd.Flags().StringVar(&listWorkflow, "workflow", "", "filter by workflow name")
	instancesListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (running, completed, failed, terminated)")
	instancesListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of instances")
	instancesStopCmd.Flags().StringVar(&stopReason, "reason", "", "reason recorded on the instance")

	instancesCmd.AddCommand(instancesListCmd, instancesDescribeCmd, instancesQueryCmd, instancesStopCmd)
	rootCmd.AddCommand(instancesCmd)
}
