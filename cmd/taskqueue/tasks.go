package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskqueue/queue"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a new task",
	Long: `Publish a new task signed by --signed. --value is the task payload as
JSON. The stored record, including its assigned key, is printed.`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the earliest task with a status",
	Args:  cobra.NoArgs,
	RunE:  runNext,
}

var clearCmd = &cobra.Command{
	Use:   "clear <key>",
	Short: "Remove a task and its index entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <key>",
	Short: "Return a task to available, clearing its owner and result",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequeue,
}

var (
	publishSigned string
	publishValue  string
	publishStatus string
	nextStatus    string
)

func init() {
	publishCmd.Flags().StringVar(&publishSigned, "signed", "", "identity of the task author (required)")
	publishCmd.Flags().StringVar(&publishValue, "value", "", "task payload as JSON")
	publishCmd.Flags().StringVar(&publishStatus, "status", string(queue.StatusAvailable), "initial status")
	_ = publishCmd.MarkFlagRequired("signed")

	nextCmd.Flags().StringVar(&nextStatus, "status", string(queue.StatusAvailable), "status index to query")

	rootCmd.AddCommand(publishCmd, getCmd, nextCmd, clearCmd, requeueCmd)
}

// newTask builds the task described by the publish flags.
func newTask(signed, value, status string) (*queue.Task, error) {
	s, err := queue.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	task := &queue.Task{Signed: signed, Status: s}
	if value != "" {
		if !json.Valid([]byte(value)) {
			return nil, fmt.Errorf("--value is not valid JSON")
		}
		task.Value = json.RawMessage(value)
	}
	return task, nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	task, err := newTask(publishSigned, publishValue, publishStatus)
	if err != nil {
		return err
	}

	c, closeFn, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeFn()

	stored, err := c.Publish(cmd.Context(), task)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stored)
}

func runGet(cmd *cobra.Command, args []string) error {
	c, closeFn, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeFn()

	task, err := c.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), task)
}

func runNext(cmd *cobra.Command, args []string) error {
	status, err := queue.ParseStatus(nextStatus)
	if err != nil {
		return err
	}

	c, closeFn, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeFn()

	task, err := c.Next(cmd.Context(), status)
	if queue.IsQueueEmpty(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "No %s tasks\n", status)
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), task)
}

func runClear(cmd *cobra.Command, args []string) error {
	c, closeFn, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeFn()

	task, err := c.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := c.Clear(cmd.Context(), task); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", task.Key)
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	c, closeFn, err := openCoordinator()
	if err != nil {
		return err
	}
	defer closeFn()

	task, err := c.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	requeued, err := c.Requeue(cmd.Context(), task)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), requeued)
}
