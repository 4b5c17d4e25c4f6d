package node

import (
	"testing"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
	"github.com/pombredanne/sugar-network-backend-sub001/src/model"
)

func newTestVolume(t *testing.T) *db.Volume {
	v, err := db.NewVolume(t.TempDir(), model.Resources(), db.VolumeOptions{}, common.NewTestEntry(t, "volume"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func newTestMaster(t *testing.T, guid string) *Master {
	return NewMaster(guid, newTestVolume(t), 16, common.NewTestEntry(t, "master"))
}

func newTestSlave(t *testing.T, guid string) *Slave {
	s, err := NewSlave(newTestVolume(t), SlaveOptions{GUID: guid}, common.NewTestEntry(t, "slave"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func createContext(t *testing.T, v *db.Volume, title string) string {
	dir, err := v.Directory("context")
	if err != nil {
		t.Fatal(err)
	}
	guid, err := dir.Create(map[string]interface{}{
		"type":  model.TypeActivity,
		"title": title,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Commit(); err != nil {
		t.Fatal(err)
	}
	return guid
}

func hasRecord(t *testing.T, v *db.Volume, guid string) bool {
	dir, err := v.Directory("context")
	if err != nil {
		t.Fatal(err)
	}
	return dir.Exists(guid)
}
