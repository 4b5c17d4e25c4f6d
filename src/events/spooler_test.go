package events

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"
)

func TestNotifyAllWakesEveryWaiter(t *testing.T) {
	s := NewSpooler()

	const waiters = 5
	var started, done sync.WaitGroup
	results := make(chan Event, waiters)

	for i := 0; i < waiters; i++ {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			r := s.current()
			started.Done()
			<-r.done
			results <- r.event
		}()
	}
	started.Wait()

	s.NotifyAll(Event{"event": "create", "guid": "g1"})
	done.Wait()
	close(results)

	n := 0
	for ev := range results {
		if ev["guid"] != "g1" {
			t.Fatalf("unexpected event %v", ev)
		}
		n++
	}
	if n != waiters {
		t.Fatalf("%d waiters woke up, expected %d", n, waiters)
	}
}

func TestWaitBlocksForNextEvent(t *testing.T) {
	s := NewSpooler()
	s.NotifyAll(Event{"event": "old"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := s.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait should block until a new event, got %v", err)
	}
}

func TestSubscribeIsLossless(t *testing.T) {
	s := NewSpooler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 10)
	go func() {
		s.Subscribe(ctx, Filter{"resource": "context"}, func(ev Event) error {
			// slow consumer
			time.Sleep(10 * time.Millisecond)
			got <- ev
			return nil
		})
	}()
	if ev := <-got; ev["event"] != "handshake" {
		t.Fatalf("got %v, expected handshake", ev)
	}

	s.NotifyAll(Event{"resource": "context", "guid": "1"})
	s.NotifyAll(Event{"resource": "user", "guid": "2"})
	s.NotifyAll(Event{"resource": "context", "guid": "3"})

	for _, guid := range []string{"1", "3"} {
		select {
		case ev := <-got:
			if ev["guid"] != guid {
				t.Fatalf("got %v, expected guid %s", ev, guid)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s was lost", guid)
		}
	}
}

func TestFilter(t *testing.T) {
	ev := Event{"event": "update", "resource": "context", "seqno": 5}

	for _, c := range []struct {
		filter Filter
		match  bool
	}{
		{Filter{}, true},
		{Filter{"resource": "context"}, true},
		{Filter{"resource": "user"}, false},
		{Filter{"event": "!delete"}, true},
		{Filter{"event": "!update"}, false},
		{Filter{"seqno": "5"}, true},
		{Filter{"missing": "x"}, false},
		{Filter{"missing": "!x"}, true},
	} {
		if got := c.filter.Match(ev); got != c.match {
			t.Errorf("%v.Match => %v, expected %v", c.filter, got, c.match)
		}
	}

	q, _ := url.ParseQuery("cmd=subscribe&resource=context&event=!delete")
	f := ParseFilter(q, "cmd")
	if len(f) != 2 || f["event"] != "!delete" {
		t.Fatalf("ParseFilter => %v", f)
	}
}
