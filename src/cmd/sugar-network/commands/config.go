package commands

import (
	"context"

	"github.com/pombredanne/sugar-network-backend-sub001/src/network"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AddNodeFlags adds the flags shared by every command that opens a node
func AddNodeFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("datadir", "d", _config.DataDir, "Top-level directory for configuration and data")
	cmd.PersistentFlags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.PersistentFlags().Bool("no-log-file", _config.NoLogFile, "Do not write the log file under datadir")

	// Node
	cmd.PersistentFlags().StringP("mode", "m", _config.Mode, "master or slave")
	cmd.PersistentFlags().String("guid", _config.GUID, "Override the node guid")
	cmd.PersistentFlags().String("master-url", _config.MasterURL, "URL of the master a slave syncs with")

	// Service
	cmd.PersistentFlags().StringP("listen", "l", _config.Listen, "Listen IP:Port for the HTTP service, empty to disable")

	// Replication
	cmd.PersistentFlags().Int64("accept-length", _config.AcceptLength, "Max bytes of one response or parcel, 0 for no limit")
	cmd.PersistentFlags().Int("cache-size", _config.CacheSize, "Number of conversations a master remembers")
	cmd.PersistentFlags().String("parcel-dir", _config.ParcelDir, "Directory parcels are exported to and imported from")
	cmd.PersistentFlags().Duration("sync-interval", _config.SyncInterval, "Time between online syncs of a slave, 0 to disable")
	cmd.PersistentFlags().DurationP("timeout", "t", _config.Timeout, "Timeout of one online sync")

	// Storage
	cmd.PersistentFlags().Uint64("reserve", _config.Reserve, "Bytes blob writes leave free on disk")
	cmd.PersistentFlags().Int("populate-batch", _config.PopulateBatch, "Records reindexed between two cancellation checks")
	cmd.PersistentFlags().Bool("watch-files", _config.WatchFiles, "Register files dropped under files/")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.Logger().WithFields(logrus.Fields{
		"datadir":        _config.DataDir,
		"log":            _config.LogLevel,
		"mode":           _config.Mode,
		"guid":           _config.GUID,
		"master-url":     _config.MasterURL,
		"listen":         _config.Listen,
		"accept-length":  _config.AcceptLength,
		"cache-size":     _config.CacheSize,
		"parcel-dir":     _config.ParcelPath(),
		"sync-interval":  _config.SyncInterval,
		"timeout":        _config.Timeout,
		"reserve":        _config.Reserve,
		"populate-batch": _config.PopulateBatch,
		"watch-files":    _config.WatchFiles,
	}).Debug("Config")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/sugar-network.toml (.json, .yaml also work)
	viper.SetConfigName("sugar-network")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	found := true
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		found = false
	}

	// second unmarshal to read from config file
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	if found {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	}

	return nil
}

// openNetwork initializes a node for a one-shot command. The index is
// populated before returning so that the command sees every record.
func openNetwork(ctx context.Context) (*network.Network, error) {
	engine := network.NewNetwork(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().WithError(err).Error("Cannot initialize node")
		engine.Close()
		return nil, err
	}

	if err := engine.Volume.Populate(ctx); err != nil {
		engine.Close()
		return nil, err
	}

	return engine, nil
}
