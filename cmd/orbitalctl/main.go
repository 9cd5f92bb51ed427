package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "orbitalctl",
	Short:   "orbitalctl talks to an orbital-server's desired-state store",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("orbitalctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("server", "127.0.0.1:7890", "orbital-server address")
	rootCmd.PersistentFlags().String("cert", "", "client certificate file")
	rootCmd.PersistentFlags().String("key", "", "client key file")
	rootCmd.PersistentFlags().String("ca", "", "CA certificate file used to verify the server")
	rootCmd.AddCommand(applyCmd, getCmd, logsCmd, deleteCmd)
}
