package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "projectbox",
	Short: "Sandbox lifecycle and hot-migration orchestrator",
	Long: `projectbox keeps one remote development sandbox per project alive,
snapshots its working directory, and moves it to a fresh sandbox before the
old one expires.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
