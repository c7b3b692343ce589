package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan []Event) []Event {
	var out []Event
	for {
		select {
		case batch := <-ch:
			out = append(out, batch...)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func TestDebouncerLastEventWins(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	d.add(Event{Path: "a.md", Kind: EventChange})
	d.add(Event{Path: "a.md", Kind: EventRemove})

	events := collect(d.output())
	require.Len(t, events, 1)
	assert.Equal(t, EventRemove, events[0].Kind)
}

func TestDebouncerAddThenRemoveCancels(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	d.add(Event{Path: "a.md", Kind: EventAdd})
	d.add(Event{Path: "a.md", Kind: EventRemove})
	d.add(Event{Path: "b.md", Kind: EventAdd})

	events := collect(d.output())
	require.Len(t, events, 1)
	assert.Equal(t, "b.md", events[0].Path)
}

func TestDebouncerChangeUnderPendingAddStaysAdd(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	d.add(Event{Path: "a.md", Kind: EventAdd})
	d.add(Event{Path: "a.md", Kind: EventChange})
	d.add(Event{Path: "a.md", Kind: EventChange})

	events := collect(d.output())
	require.Len(t, events, 1)
	assert.Equal(t, EventAdd, events[0].Kind)
}

func TestDebouncerRemoveThenAddIsChange(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	d.add(Event{Path: "a.md", Kind: EventRemove})
	d.add(Event{Path: "a.md", Kind: EventAdd})

	events := collect(d.output())
	require.Len(t, events, 1)
	assert.Equal(t, EventChange, events[0].Kind)
}

func TestDebouncerSeparatePathsIndependent(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	d.add(Event{Path: "a.md", Kind: EventAdd})
	d.add(Event{Path: "b.md", Kind: EventChange})

	events := collect(d.output())
	assert.Len(t, events, 2)
}

func TestDebouncerStopDropsNewWork(t *testing.T) {
	d := newDebouncer(10 * time.Millisecond)
	d.stop()
	d.stop() // idempotent

	d.add(Event{Path: "a.md", Kind: EventAdd})
	_, open := <-d.output()
	assert.False(t, open)
}

func TestIgnoredPaths(t *testing.T) {
	w, err := New(t.TempDir(), Options{IgnorePatterns: []string{"build/**"}}, nil)
	require.NoError(t, err)
	defer w.Stop()

	cases := map[string]bool{
		"notes.md":                      false,
		"sub/dir/notes.md":              false,
		".folder-mcp/metadata/x.json":   true,
		"node_modules/pkg/index.js":     true,
		".git/HEAD":                     true,
		".hidden.md":                    true,
		"sub/.hidden/notes.md":          true,
		"build/out.bin":                 true,
		"builds/out.bin":                false,
	}
	for rel, want := range cases {
		assert.Equal(t, want, w.ignored(rel), "path %q", rel)
	}
}

func TestWatcherEmitsAddForNewFile(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, Options{
		DebounceWindow:  50 * time.Millisecond,
		StabilityWindow: 40 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond) // let the watch install

	require.NoError(t, os.WriteFile(filepath.Join(root, "doc.md"), []byte("hello"), 0o644))

	select {
	case ev := <-w.Events():
		assert.Equal(t, "doc.md", ev.Path)
		assert.Equal(t, EventAdd, ev.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("no event for new file")
	}
}

func TestWatcherIgnoresCacheWrites(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".folder-mcp", "metadata"), 0o755))

	w, err := New(root, Options{
		DebounceWindow:  50 * time.Millisecond,
		StabilityWindow: 40 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	cachePath := filepath.Join(root, ".folder-mcp", "metadata", "h.json")
	require.NoError(t, os.WriteFile(cachePath, []byte("{}"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("cache write must not produce an event, got %v %s", ev.Kind, ev.Path)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestWatcherEmitsRemove(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "doc.md")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	w, err := New(root, Options{
		DebounceWindow:  50 * time.Millisecond,
		StabilityWindow: 40 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.Remove(path))

	select {
	case ev := <-w.Events():
		assert.Equal(t, "doc.md", ev.Path)
		assert.Equal(t, EventRemove, ev.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("no event for removed file")
	}
}
