package commands

import (
	"github.com/pombredanne/sugar-network-backend-sub001/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

func init() {
	AddNodeFlags(RootCmd)
}

// RootCmd is the root command for Sugar Network
var RootCmd = &cobra.Command{
	Use:              "sugar-network",
	Short:            "Sugar Network node",
	TraverseChildren: true,
}
