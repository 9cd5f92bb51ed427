package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete WORKLOAD",
	Short: "Remove a workload from the desired state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workloadName := args[0]

		conn, api, err := dialFromFlags(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		current, err := api.GetCompleteState(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to read current state: %w", err)
		}
		if _, ok := current.DesiredState[workloadName]; !ok {
			return fmt.Errorf("workload %q not found", workloadName)
		}
		delete(current.DesiredState, workloadName)

		if err := api.UpdateState(ctx, "v1", current.DesiredState, current.Configs, nil); err != nil {
			return fmt.Errorf("failed to delete workload: %w", err)
		}

		fmt.Printf("workload deleted: %s\n", workloadName)
		return nil
	},
}
