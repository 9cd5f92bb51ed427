package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs WORKLOAD",
	Short: "Stream a workload's logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workloadName := args[0]
		follow, _ := cmd.Flags().GetBool("follow")

		conn, api, err := dialFromFlags(cmd)
		if err != nil {
			return err
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		lines, stop, err := api.Logs(ctx, workloadName, follow)
		if err != nil {
			return fmt.Errorf("failed to open log stream: %w", err)
		}
		defer stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				fmt.Println(line)
			case <-sig:
				return nil
			}
		}
	},
}

func init() {
	logsCmd.Flags().BoolP("follow", "f", false, "keep streaming new log lines")
}
