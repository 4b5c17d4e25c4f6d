package main

import (
	"os"

	cmd "github.com/pombredanne/sugar-network-backend-sub001/src/cmd/sugar-network/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.VersionCmd,
		cmd.NewRunCmd(),
		cmd.NewSyncCmd(),
		cmd.NewExportCmd(),
		cmd.NewImportCmd())

	//Do not print usage when error occurs
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
