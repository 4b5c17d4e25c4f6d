package commands

import (
	"context"

	"github.com/spf13/cobra"
)

// NewSyncCmd returns the command that runs one online sync of a slave
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sync",
		Short:   "Sync a slave with its master once",
		PreRunE: loadConfig,
		RunE:    syncNode,
	}
	return cmd
}

func syncNode(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, err := openNetwork(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Sync(ctx); err != nil {
		_config.Logger().WithError(err).Error("Sync failed")
		return err
	}
	return nil
}
