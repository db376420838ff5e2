package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"threadloom/pkg/gateway"
)

var (
	taskRole    string
	taskContext string
	taskEvery   time.Duration
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run responders outside a conversation",
}

var taskRunCmd = &cobra.Command{
	Use:   "run <kind> <query...>",
	Short: "Run a responder once",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		resp, err := client.CreateTask(cmd.Context(), gateway.TaskRequest{
			Kind:    args[0],
			Role:    taskRole,
			Query:   strings.Join(args[1:], " "),
			Context: taskContext,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s started (%s)\n", resp.ID, resp.Workflow)
		return nil
	},
}

var taskPeriodicCmd = &cobra.Command{
	Use:   "periodic <kind> <query...>",
	Short: "Run a responder on a fixed interval until stopped",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seconds, err := intervalSeconds(taskEvery)
		if err != nil {
			return err
		}
		client, err := clientFromConfig()
		if err != nil {
			return err
		}
		resp, err := client.CreateTask(cmd.Context(), gateway.TaskRequest{
			Kind:            args[0],
			Role:            taskRole,
			Query:           strings.Join(args[1:], " "),
			IntervalSeconds: seconds,
			Context:         taskContext,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s started, every %ds\n", resp.ID, seconds)
		return nil
	},
}

var taskStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a periodic task after its current run",
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

// intervalSeconds converts a --every duration into whole seconds.
func intervalSeconds(every time.Duration) (int, error) {
	if every < time.Second {
		return 0, errors.New("--every must be at least 1s")
	}
	if every%time.Second != 0 {
		return 0, fmt.Errorf("--every %s is not a whole number of seconds", every)
	}
	return int(every / time.Second), nil
}

func init() {
	for _, c := range []*cobra.Command{taskRunCmd, taskPeriodicCmd} {
		c.Flags().StringVar(&taskRole, "role", "", "responder role (defaults to the kind's default role)")
		c.Flags().StringVar(&taskContext, "context", "", "extra context passed to the responder")
	}
	taskPeriodicCmd.Flags().DurationVar(&taskEvery, "every", time.Hour, "interval between runs")
	taskStopCmd.Flags().StringVar(&stopReason, "reason", "", "reason recorded on the instance")

	taskCmd.AddCommand(taskRunCmd, taskPeriodicCmd, taskStopCmd)
	rootCmd.AddCommand(taskCmd)
}
