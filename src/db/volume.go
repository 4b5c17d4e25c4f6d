package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/pombredanne/sugar-network-backend-sub001/src/blobs"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/pombredanne/sugar-network-backend-sub001/src/events"
	"github.com/sirupsen/logrus"
)

// Default values of VolumeOptions.
const (
	DefaultPopulateBatch = 64
)

// VolumeOptions ...
type VolumeOptions struct {
	// Reserve is the number of bytes that must stay free for blob writes.
	Reserve uint64

	// Clock stamps property mtimes. Defaults to time.Now.
	Clock func() time.Time

	// Broadcast receives every change event.
	Broadcast func(events.Event)

	// PopulateBatch is the number of records reconciled between two
	// cancellation checks.
	PopulateBatch int
}

// Volume owns the seqno counters, the blob store, the index and one
// Directory per resource.
type Volume struct {
	root string

	Seqno         *Seqno
	ReleasesSeqno *Seqno
	Blobs         *blobs.Store
	Index         *Index

	dirs  map[string]*Directory
	names []string

	clock         func() time.Time
	broadcast     func(events.Event)
	populateBatch int

	logger *logrus.Entry
}

// NewVolume opens the volume rooted at root.
func NewVolume(root string, resources []*Resource, opts VolumeOptions, logger *logrus.Entry) (*Volume, error) {
	seqno, err := OpenSeqno(filepath.Join(root, "var", "seqno"))
	if err != nil {
		return nil, err
	}
	releases, err := OpenSeqno(filepath.Join(root, "var", "releases_seqno"))
	if err != nil {
		return nil, err
	}

	store, err := blobs.NewStore(root, seqno, opts.Reserve, logger.WithField("prefix", "blobs"))
	if err != nil {
		return nil, err
	}

	index, err := OpenIndex(filepath.Join(root, "var", "index"), logger)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	v := &Volume{
		root:          root,
		Seqno:         seqno,
		ReleasesSeqno: releases,
		Blobs:         store,
		Index:         index,
		dirs:          make(map[string]*Directory),
		clock:         opts.Clock,
		broadcast:     opts.Broadcast,
		populateBatch: opts.PopulateBatch,
		logger:        logger,
	}
	if v.clock == nil {
		v.clock = time.Now
	}
	if v.populateBatch <= 0 {
		v.populateBatch = DefaultPopulateBatch
	}

	for _, res := range resources {
		v.dirs[res.Name] = newDirectory(v, res)
		v.names = append(v.names, res.Name)
	}
	sort.Strings(v.names)

	logger.WithFields(logrus.Fields{
		"root":      root,
		"seqno":     seqno.Value(),
		"resources": v.names,
	}).Debug("Volume opened")

	return v, nil
}

// Root ...
func (v *Volume) Root() string {
	return v.root
}

// Directory ...
func (v *Volume) Directory(resource string) (*Directory, error) {
	d, ok := v.dirs[resource]
	if !ok {
		return nil, common.Errorf("volume", common.BadRequest, "unknown resource %q", resource)
	}
	return d, nil
}

// Resources returns the resource names in lexical order.
func (v *Volume) Resources() []string {
	return v.names
}

// SetBroadcast replaces the function receiving change events.
func (v *Volume) SetBroadcast(fn func(events.Event)) {
	v.broadcast = fn
}

// Broadcast ...
func (v *Volume) Broadcast(ev events.Event) {
	if v.broadcast != nil {
		v.broadcast(ev)
	}
}

// Populate reconciles every directory with the index and raises the seqno
// counter above any seqno found on disk, in records and blob sidecars alike.
func (v *Volume) Populate(ctx context.Context) error {
	last, err := v.Blobs.LastSeqno()
	if err != nil {
		return err
	}
	v.Seqno.Ensure(last)

	for _, name := range v.names {
		max, err := v.dirs[name].Populate(ctx)
		if err != nil {
			return err
		}
		v.Seqno.Ensure(max)
	}
	return v.Seqno.Commit()
}

// Commit persists the seqno counters.
func (v *Volume) Commit() error {
	if err := v.Seqno.Commit(); err != nil {
		return err
	}
	return v.ReleasesSeqno.Commit()
}

// Close commits the counters and closes the index.
func (v *Volume) Close() error {
	err := v.Commit()
	if cerr := v.Index.Close(); err == nil {
		err = cerr
	}
	return err
}

func (v *Volume) now() int64 {
	return v.clock().Unix()
}
