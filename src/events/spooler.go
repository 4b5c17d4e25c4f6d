// Package events fans change notifications of a volume out to any number of
// waiting consumers.
package events

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Event is a change notification, eg. {"event": "update", "resource":
// "context", "guid": "..."}.
type Event map[string]interface{}

type round struct {
	done  chan struct{}
	event Event
	next  *round
}

func newRound() *round {
	return &round{done: make(chan struct{})}
}

// Spooler delivers every event to every consumer waiting for it. Each
// NotifyAll closes the current round and opens the next one, so a consumer
// gets exactly the event of the round it started waiting in.
type Spooler struct {
	mu  sync.Mutex
	cur *round
}

// NewSpooler ...
func NewSpooler() *Spooler {
	return &Spooler{cur: newRound()}
}

func (s *Spooler) current() *round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// NotifyAll wakes every waiting consumer with ev.
func (s *Spooler) NotifyAll(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.cur
	r.event = ev
	r.next = newRound()
	s.cur = r.next
	close(r.done)
}

// Wait blocks until the next event.
func (s *Spooler) Wait(ctx context.Context) (Event, error) {
	r := s.current()
	select {
	case <-r.done:
		return r.event, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handshake is the first event every subscriber gets, once it is sure not
// to miss anything published afterwards.
var Handshake = Event{"event": "handshake"}

// Subscribe calls fn with Handshake, then with every event matching filter
// until ctx is done or fn fails. Events published while fn runs are not lost.
func (s *Spooler) Subscribe(ctx context.Context, filter Filter, fn func(Event) error) error {
	r := s.current()
	if err := fn(Handshake); err != nil {
		return err
	}
	for {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		ev := r.event
		r = r.next
		if !filter.Match(ev) {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Filter holds key/value conditions. A value starting with "!" matches
// anything but the rest of the value.
type Filter map[string]string

// ParseFilter builds a filter from query parameters, ignoring reserved.
func ParseFilter(query url.Values, reserved ...string) Filter {
	f := Filter{}
	for key, values := range query {
		skip := false
		for _, r := range reserved {
			if key == r {
				skip = true
				break
			}
		}
		if skip || len(values) == 0 {
			continue
		}
		f[key] = values[0]
	}
	return f
}

// Match ...
func (f Filter) Match(ev Event) bool {
	for key, cond := range f {
		v, ok := ev[key]
		actual := ""
		if ok {
			actual = fmt.Sprint(v)
		}
		if strings.HasPrefix(cond, "!") {
			if ok && actual == cond[1:] {
				return false
			}
			continue
		}
		if !ok || actual != cond {
			return false
		}
	}
	return true
}
