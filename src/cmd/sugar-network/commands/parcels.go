package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewExportCmd returns the command that writes the parcel of a slave
func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "export",
		Short:   "Export the parcel of a slave to the parcel directory",
		PreRunE: loadConfig,
		RunE:    exportParcel,
	}
	return cmd
}

// NewImportCmd returns the command that consumes the parcels of the parcel
// directory
func NewImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "import",
		Short:   "Import the parcels of the parcel directory",
		PreRunE: loadConfig,
		RunE:    importParcels,
	}
	return cmd
}

func exportParcel(cmd *cobra.Command, args []string) error {
	engine, err := openNetwork(context.Background())
	if err != nil {
		return err
	}
	defer engine.Close()

	path, err := engine.Export()
	if err != nil {
		_config.Logger().WithError(err).Error("Export failed")
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func importParcels(cmd *cobra.Command, args []string) error {
	engine, err := openNetwork(context.Background())
	if err != nil {
		return err
	}
	defer engine.Close()

	written, err := engine.Import()
	if err != nil {
		_config.Logger().WithError(err).Error("Import failed")
		return err
	}
	for _, path := range written {
		if path != "" {
			fmt.Fprintln(cmd.OutOrStdout(), path)
		}
	}
	return nil
}
