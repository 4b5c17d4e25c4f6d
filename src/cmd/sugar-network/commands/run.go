package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pombredanne/sugar-network-backend-sub001/src/network"
	"github.com/spf13/cobra"
)

// NewRunCmd returns the command that starts a Sugar Network node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runNode,
	}
	return cmd
}

func runNode(cmd *cobra.Command, args []string) error {
	engine := network.NewNetwork(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().WithError(err).Error("Cannot initialize node")
		engine.Close()
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := engine.Run(ctx)
	if err == context.Canceled {
		err = nil
	}
	if err != nil {
		_config.Logger().WithError(err).Error("Node failed")
	}
	return err
}
