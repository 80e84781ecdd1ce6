package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sessionsync",
		Short:         "Live session sync server",
		Long:          "sessionsync keeps the text, code and image of shared sessions in sync across every connected participant, persisting changes in the background.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		newServeCmd(),
		newCreateCmd(),
		newWatchCmd(),
	)
	return rootCmd
}
