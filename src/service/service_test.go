package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/config"
	"github.com/pombredanne/sugar-network-backend-sub001/src/db"
	"github.com/pombredanne/sugar-network-backend-sub001/src/events"
	"github.com/pombredanne/sugar-network-backend-sub001/src/model"
	"github.com/pombredanne/sugar-network-backend-sub001/src/node"
)

type testClock struct {
	mu  sync.Mutex
	now int64
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *testClock) Set(now int64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

type testEnv struct {
	clock   *testClock
	master  *node.Master
	spooler *events.Spooler
	server  *httptest.Server
}

func newTestVolume(t *testing.T, clock *testClock) *db.Volume {
	v, err := db.NewVolume(t.TempDir(), model.Resources(), db.VolumeOptions{Clock: clock.Now}, common.NewTestEntry(t, "volume"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

// newTestEnv serves a master whose guid is the netloc of the test server.
func newTestEnv(t *testing.T, auth *config.Authorization) *testEnv {
	env := &testEnv{clock: &testClock{now: 1}, spooler: events.NewSpooler()}

	var handler http.Handler
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(env.server.Close)

	u, err := url.Parse(env.server.URL)
	if err != nil {
		t.Fatal(err)
	}

	volume := newTestVolume(t, env.clock)
	volume.SetBroadcast(env.spooler.NotifyAll)
	env.master = node.NewMaster(u.Host, volume, 16, common.NewTestEntry(t, "master"))
	handler = NewService("", env.master, env.spooler, auth, common.NewTestEntry(t, "service")).Handler()

	return env
}

func (env *testEnv) newSlave(t *testing.T, acceptLength int64) (*node.Slave, *testClock) {
	clock := &testClock{now: 1}
	s, err := node.NewSlave(newTestVolume(t, clock), node.SlaveOptions{
		MasterURL:    env.server.URL,
		AcceptLength: acceptLength,
		Timeout:      10 * time.Second,
	}, common.NewTestEntry(t, "slave"))
	if err != nil {
		t.Fatal(err)
	}
	return s, clock
}

func syncOnce(t *testing.T, s *node.Slave) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
}

func directory(t *testing.T, v *db.Volume, name string) *db.Directory {
	d, err := v.Directory(name)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func get(t *testing.T, d *db.Directory, guid, prop string) interface{} {
	rec, err := d.Get(guid)
	if err != nil {
		t.Fatal(err)
	}
	return rec.Get(prop)
}
