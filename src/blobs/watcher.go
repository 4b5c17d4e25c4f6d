package blobs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pombredanne/sugar-network-backend-sub001/src/ranges"
	"github.com/sirupsen/logrus"
)

// Watcher registers files dropped into the files/ tree as soon as they
// appear, so they get a seqno without waiting for the next diff.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	logger  *logrus.Entry
}

// NewWatcher ...
func NewWatcher(store *Store, logger *logrus.Entry) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		store:   store,
		watcher: watcher,
		logger:  logger,
	}, nil
}

// Run watches the tree until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if err := w.addTree(w.store.FilesRoot()); err != nil {
		return err
	}

	w.logger.WithField("root", w.store.FilesRoot()).Debug("Watching files")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, tmpPrefix) || strings.HasSuffix(name, metaSuffix) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := w.addTree(event.Name); err != nil {
			w.logger.WithError(err).WithField("dir", event.Name).Warn("Cannot watch directory")
		}
		// Files may have landed before the watch was in place.
		if rel, err := filepath.Rel(w.store.FilesRoot(), event.Name); err == nil {
			w.store.Walk(filepath.ToSlash(rel), ranges.Full(), true, func(*Blob) error { return nil })
		}
		return
	}

	rel, err := filepath.Rel(w.store.FilesRoot(), event.Name)
	if err != nil {
		return
	}

	blob, err := w.store.Register(filepath.ToSlash(rel))
	if err != nil {
		w.logger.WithError(err).WithField("path", rel).Warn("Cannot register file")
		return
	}

	w.logger.WithFields(logrus.Fields{
		"path":  blob.Key,
		"seqno": blob.Seqno(),
	}).Debug("File changed")
}

func (w *Watcher) addTree(top string) error {
	return filepath.WalkDir(top, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(p)
		}
		return nil
	})
}
