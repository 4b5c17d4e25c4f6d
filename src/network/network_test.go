package network

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/pombredanne/sugar-network-backend-sub001/src/config"
	"github.com/pombredanne/sugar-network-backend-sub001/src/model"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
)

func initNetwork(t *testing.T, c *config.Config) *Network {
	n := NewNetwork(c)
	if err := n.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestRun(t *testing.T) {
	c := config.NewTestConfig(t, config.ModeMaster)
	c.GUID = "master.example.org"
	c.WatchFiles = true
	n := initNetwork(t, c)

	assert.Equal(t, n.Node().GUID(), "master.example.org")
	if n.Watcher == nil {
		t.Fatal("watcher expected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := n.Run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMasterGUID(t *testing.T) {
	c := config.NewTestConfig(t, config.ModeMaster)
	failed := NewNetwork(c)
	if err := failed.Init(); err == nil {
		t.Fatal("a master without guid nor address should not start")
	}
	failed.Close()

	c = config.NewTestConfig(t, config.ModeMaster)
	c.MasterURL = "http://network.sugarlabs.org:8000/"
	n := initNetwork(t, c)
	assert.Equal(t, n.Node().GUID(), "network.sugarlabs.org:8000")
}

func TestParcels(t *testing.T) {
	parcels := t.TempDir()

	mc := config.NewTestConfig(t, config.ModeMaster)
	mc.GUID = "master"
	mc.ParcelDir = parcels
	master := initNetwork(t, mc)

	sc := config.NewTestConfig(t, config.ModeSlave)
	sc.ParcelDir = parcels
	slave := initNetwork(t, sc)

	contexts, err := slave.Volume.Directory("context")
	if err != nil {
		t.Fatal(err)
	}
	guid, err := contexts.Create(map[string]interface{}{"type": model.TypePackage, "title": "gcompris"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := master.Export(); err == nil {
		t.Fatal("masters do not export")
	}
	if _, err := slave.Export(); err != nil {
		t.Fatal(err)
	}
	responses, err := master.Import()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(responses), 1)

	onMaster, _ := master.Volume.Directory("context")
	assert.Equal(t, onMaster.Exists(guid), true)

	if _, err := slave.Import(); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, slave.Slave.PushRanges(), ranges.New(2, ranges.Inf))
	assert.Equal(t, slave.Slave.PullRanges(), ranges.New(2, ranges.Inf))
}
