// Package network assembles a Sugar Network node from its configuration: the
// volume, the master or slave replication state, the HTTP service and the
// files watcher.
package network

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pombredanne/sugar-network-backend-sub001/src/blobs"
	"github.com/pombredanne/sugar-network-backend-sub001/src/config"
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
	"github.com/pombredanne/sugar-network-backend-sub001/src/events"
	"github.com/pombredanne/sugar-network-backend-sub001/src/model"
	"github.com/pombredanne/sugar-network-backend-sub001/src/node"
	"github.com/pombredanne/sugar-network-backend-sub001/src/service"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Network is a running node and everything around it.
type Network struct {
	Config *config.Config

	Volume  *db.Volume
	Spooler *events.Spooler
	Master  *node.Master
	Slave   *node.Slave
	Service *service.Service
	Watcher *blobs.Watcher

	logger *logrus.Entry
}

// NewNetwork ...
func NewNetwork(c *config.Config) *Network {
	return &Network{
		Config: c,
	}
}

func (n *Network) initLogger() {
	n.logger = n.Config.Logger()
}

func (n *Network) initVolume() error {
	n.Spooler = events.NewSpooler()

	volume, err := db.NewVolume(
		n.Config.DataDir,
		model.Resources(),
		db.VolumeOptions{
			Reserve:       n.Config.Reserve,
			Clock:         n.Config.Clock,
			Broadcast:     n.Spooler.NotifyAll,
			PopulateBatch: n.Config.PopulateBatch,
		},
		n.logger.WithField("prefix", "db"),
	)
	if err != nil {
		return err
	}

	n.Volume = volume

	return nil
}

// masterGUID is the netloc a master is reached at.
func (n *Network) masterGUID() (string, error) {
	if n.Config.GUID != "" {
		return n.Config.GUID, nil
	}
	if n.Config.MasterURL != "" {
		u, err := url.Parse(n.Config.MasterURL)
		if err != nil {
			return "", err
		}
		if u.Host != "" {
			return u.Host, nil
		}
	}
	if n.Config.Listen != "" {
		return n.Config.Listen, nil
	}
	return "", fmt.Errorf("a master needs a guid, a master-url or a listen address")
}

func (n *Network) initNode() error {
	if n.Config.IsMaster() {
		guid, err := n.masterGUID()
		if err != nil {
			return err
		}
		n.Master = node.NewMaster(guid, n.Volume, n.Config.CacheSize, n.logger.WithField("prefix", "master"))
		return nil
	}

	slave, err := node.NewSlave(n.Volume, node.SlaveOptions{
		GUID:         n.Config.GUID,
		MasterURL:    n.Config.MasterURL,
		AcceptLength: n.Config.AcceptLength,
		Timeout:      n.Config.Timeout,
	}, n.logger.WithField("prefix", "slave"))
	if err != nil {
		return err
	}
	n.Slave = slave

	return nil
}

func (n *Network) initService() error {
	if n.Config.Listen == "" {
		return nil
	}

	auth, err := config.LoadAuthorization(n.Config.AuthorizationFile())
	if err != nil {
		return err
	}

	n.Service = service.NewService(n.Config.Listen, n.Node(), n.Spooler, auth, n.logger.WithField("prefix", "service"))

	return nil
}

func (n *Network) initWatcher() error {
	if !n.Config.WatchFiles {
		return nil
	}

	watcher, err := blobs.NewWatcher(n.Volume.Blobs, n.logger.WithField("prefix", "watcher"))
	if err != nil {
		return err
	}
	n.Watcher = watcher

	return nil
}

// Init opens the volume and sets up the components the configuration asks
// for.
func (n *Network) Init() error {
	n.initLogger()

	if err := n.initVolume(); err != nil {
		return err
	}

	if err := n.initNode(); err != nil {
		return err
	}

	if err := n.initService(); err != nil {
		return err
	}

	if err := n.initWatcher(); err != nil {
		return err
	}

	n.logger.WithFields(logrus.Fields{
		"datadir": n.Config.DataDir,
		"mode":    n.Config.Mode,
		"guid":    n.Node().GUID(),
		"seqno":   n.Volume.Seqno.Value(),
	}).Info("Node initialized")

	return nil
}

// Node returns the master or the slave.
func (n *Network) Node() service.Node {
	if n.Master != nil {
		return n.Master
	}
	return n.Slave
}

// Run serves until ctx is done or a component fails. The index and the seqno
// counter are reconciled with the volume on disk before anything is served,
// so no write can reuse a seqno already on disk.
func (n *Network) Run(ctx context.Context) error {
	if err := n.Volume.Populate(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if n.Service != nil {
		g.Go(func() error {
			return n.Service.Serve(ctx)
		})
	}

	if n.Watcher != nil {
		g.Go(func() error {
			return n.Watcher.Run(ctx)
		})
	}

	if n.Slave != nil {
		g.Go(func() error {
			return n.Slave.Run(ctx, n.Config.SyncInterval)
		})
	}

	return g.Wait()
}

// Sync runs one online round-trip of a slave.
func (n *Network) Sync(ctx context.Context) error {
	if n.Slave == nil {
		return fmt.Errorf("only slaves sync")
	}
	ctx, cancel := context.WithTimeout(ctx, n.Config.Timeout)
	defer cancel()
	return n.Slave.Sync(ctx)
}

// Export writes the parcel of a slave to the parcel directory.
func (n *Network) Export() (string, error) {
	if n.Slave == nil {
		return "", fmt.Errorf("only slaves export parcels")
	}
	return n.Slave.Export(n.Config.ParcelPath(), n.Config.AcceptLength)
}

// Import consumes the parcels of the parcel directory and returns the
// parcels written in response.
func (n *Network) Import() ([]string, error) {
	if n.Master != nil {
		return n.Master.Import(n.Config.ParcelPath(), n.Config.AcceptLength)
	}
	path, err := n.Slave.Import(n.Config.ParcelPath(), n.Config.AcceptLength)
	if err != nil {
		return nil, err
	}
	return []string{path}, nil
}

// Close stops the node and closes the volume.
func (n *Network) Close() error {
	if n.Master != nil {
		n.Master.Shutdown()
	}
	if n.Slave != nil {
		n.Slave.Shutdown()
	}
	if n.Volume != nil {
		return n.Volume.Close()
	}
	return nil
}
