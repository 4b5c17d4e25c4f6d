package node

import (
	"sync"
	"sync/atomic"
)

// State captures what a node is busy with: Idle, Syncing, Importing,
// Exporting or Shutdown.
type State uint32

const (
	// Idle is the initial state of a node.
	Idle State = iota
	// Syncing is running an online round-trip.
	Syncing
	// Importing is reading a parcel directory.
	Importing
	// Exporting is writing a parcel.
	Exporting
	// Shutdown is shutdown
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Syncing:
		return "Syncing"
	case Importing:
		return "Importing"
	case Exporting:
		return "Exporting"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.goFunc
const WGLIMIT = 20

type state struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// enter switches from Idle to s, and reports whether it did.
func (b *state) enter(s State) bool {
	stateAddr := (*uint32)(&b.state)
	return atomic.CompareAndSwapUint32(stateAddr, uint32(Idle), uint32(s))
}

// leave goes back to Idle unless the node was shut down meanwhile.
func (b *state) leave(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.CompareAndSwapUint32(stateAddr, uint32(s), uint32(Idle))
}

// Start a goroutine and add it to waitgroup
func (b *state) goFunc(f func()) bool {
	tempWgCount := atomic.LoadInt32(&b.wgCount)
	if tempWgCount < WGLIMIT {
		b.wg.Add(1)
		atomic.AddInt32(&b.wgCount, 1)
		go func() {
			defer b.wg.Done()
			defer atomic.AddInt32(&b.wgCount, -1)
			f()
		}()
		return true
	}
	return false
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}

// Shutdown refuses any further operation and waits for the background
// routines of the node.
func (b *state) Shutdown() {
	b.setState(Shutdown)
	b.waitRoutines()
}
