package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "docket",
	Short:         "Document processing and search service",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().String("owner", "", "owner id sent with API requests (default: anonymous)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(tierCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// ownerFlag returns the --owner value of cmd.
func ownerFlag(cmd *cobra.Command) string {
	owner, err := cmd.Flags().GetString("owner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading --owner: %v\n", err)
	}
	return owner
}
