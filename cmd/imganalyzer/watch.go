package main

import (
	"context"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/chriskillpack/imganalyzer"
	"github.com/chriskillpack/imganalyzer/vault"
)

// Editors and sync tools write files in several steps, an image is analyzed
// once it has been quiet this long.
const settleDelay = 2 * time.Second

type watcher struct {
	d  *vault.Dir
	fw *fsnotify.Watcher

	pending map[string]time.Time
	ready   chan string
}

func newWatcher(d *vault.Dir) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		d:       d,
		fw:      fw,
		pending: make(map[string]time.Time),
		ready:   make(chan string, 64),
	}
	if err := w.addRecursive(d.Root()); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *watcher) Close() error { return w.fw.Close() }

// addRecursive watches dir and everything below it except dot directories.
func (w *watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !de.IsDir() {
			return nil
		}
		if p != w.d.Root() && strings.HasPrefix(de.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fw.Add(p)
	})
}

// handle updates the pending set for one event. removed reports images that
// disappeared or were renamed away.
func (w *watcher) handle(ev fsnotify.Event, now time.Time) (removed string) {
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				log.WithError(err).WithField("dir", ev.Name).Warn("cannot watch directory")
			}
			return ""
		}
	}

	rel, err := w.d.Rel(ev.Name)
	if err != nil || !vault.IsImage(rel) {
		return ""
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(w.pending, rel)
		return rel
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.pending[rel] = now
	}
	return ""
}

// settled removes and returns the pending images quiet since before cutoff.
func (w *watcher) settled(cutoff time.Time) []string {
	var out []string
	for _, rel := range slices.Sorted(maps.Keys(w.pending)) {
		if !w.pending[rel].After(cutoff) {
			out = append(out, rel)
			delete(w.pending, rel)
		}
	}
	return out
}

// events runs the event loop until ctx is done.
func (w *watcher) events(ctx context.Context, p *imganalyzer.Plugin, db *imganalyzer.DB) error {
	defer close(w.ready)

	ticker := time.NewTicker(settleDelay / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if rel := w.handle(ev, time.Now()); rel != "" {
				// Cache entries are keyed by path, a moved image is a new image
				if err := p.RemoveFromCache(rel); err != nil {
					log.WithError(err).WithField("path", rel).Warn("cannot remove cache entry")
				}
				if err := db.RemoveImage(ctx, rel); err != nil {
					log.WithError(err).WithField("path", rel).Warn("cannot remove journal entry")
				}
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("watch error")

		case now := <-ticker.C:
			for _, rel := range w.settled(now.Add(-settleDelay)) {
				select {
				case w.ready <- rel:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func runWatch(ctx context.Context, p *imganalyzer.Plugin, d *vault.Dir, db *imganalyzer.DB) error {
	w, err := newWatcher(d)
	if err != nil {
		return err
	}
	defer w.Close()

	log.WithField("vault", d.Root()).Info("watching for new images")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.events(ctx, p, db)
	})
	g.Go(func() error {
		for rel := range w.ready {
			if _, err := p.AnalyzeWithNotice(ctx, rel); err != nil && ctx.Err() != nil {
				return nil
			}
		}
		return nil
	})
	return g.Wait()
}
