package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherPending(t *testing.T) {
	tv := newTestVault(t, &stubProvider{text: "x"})
	w, err := newWatcher(tv.d)
	require.NoError(t, err)
	defer w.Close()

	abs := func(rel string) string { return filepath.Join(tv.d.Root(), filepath.FromSlash(rel)) }
	now := time.Now()

	assert.Empty(t, w.handle(fsnotify.Event{Name: abs("a.png"), Op: fsnotify.Create}, now))
	assert.Empty(t, w.handle(fsnotify.Event{Name: abs("notes.md"), Op: fsnotify.Write}, now))
	assert.Empty(t, w.handle(fsnotify.Event{Name: abs("b.jpg"), Op: fsnotify.Write}, now.Add(time.Second)))
	assert.Len(t, w.pending, 2)

	// Only images quiet long enough are released
	assert.Equal(t, []string{"a.png"}, w.settled(now))
	assert.Equal(t, []string{"b.jpg"}, w.settled(now.Add(time.Second)))
	assert.Empty(t, w.pending)

	// A further write restarts the delay
	w.handle(fsnotify.Event{Name: abs("c.png"), Op: fsnotify.Create}, now)
	w.handle(fsnotify.Event{Name: abs("c.png"), Op: fsnotify.Write}, now.Add(time.Second))
	assert.Empty(t, w.settled(now))

	assert.Equal(t, "c.png", w.handle(fsnotify.Event{Name: abs("c.png"), Op: fsnotify.Rename}, now))
	assert.Empty(t, w.pending)

	// Paths outside the vault are ignored
	assert.Empty(t, w.handle(fsnotify.Event{Name: filepath.Join(t.TempDir(), "x.png"), Op: fsnotify.Create}, now))
	assert.Empty(t, w.pending)
}

func TestWatchAnalyzesNewImages(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the settle delay")
	}

	tv := newTestVault(t, &stubProvider{text: "x"})

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(t.Context())
	go func() { done <- runWatch(ctx, tv.p, tv.d, tv.db) }()

	// Give the watcher time to register before the file appears
	time.Sleep(100 * time.Millisecond)
	writeImage(t, tv.d, "new.png")

	require.Eventually(t, func() bool {
		return tv.p.IsInCache("new.png")
	}, 3*settleDelay, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
