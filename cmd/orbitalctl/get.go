package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/orbital/pkg/types"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the cluster's complete state",
	RunE: func(cmd *cobra.Command, args []string) error {
		maskFlag, _ := cmd.Flags().GetStringSlice("mask")

		conn, api, err := dialFromFlags(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		state, err := api.GetCompleteState(ctx, maskFlag)
		if err != nil {
			return fmt.Errorf("failed to get state: %w", err)
		}

		if len(state.DesiredState) == 0 {
			fmt.Println("No workloads found")
		} else {
			fmt.Printf("%-20s %-15s %-20s %s\n", "NAME", "AGENT", "RUNTIME", "STATE")
			for name, spec := range state.DesiredState {
				instances := matchingInstances(state.WorkloadStates, name)
				status := "<unreported>"
				if len(instances) > 0 {
					status = instances[0]
				}
				fmt.Printf("%-20s %-15s %-20s %s\n", name, spec.Agent, spec.RuntimeTag, status)
			}
		}

		fmt.Println()
		fmt.Printf("%-20s %-10s %-10s\n", "AGENT", "CPU", "MEMORY")
		for name, attrs := range state.Agents {
			fmt.Printf("%-20s %-10d %-10d\n", name, attrs.CPUCores, attrs.MemoryBytes)
		}
		return nil
	},
}

func init() {
	getCmd.Flags().StringSlice("mask", nil, "restrict the response to these field paths")
}

func matchingInstances(states map[string]types.ExecutionState, workloadName string) []string {
	var out []string
	for instance, state := range states {
		if strings.HasPrefix(instance, workloadName+".") {
			out = append(out, state.String())
		}
	}
	return out
}
