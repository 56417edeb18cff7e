package apartment

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registryEntry struct {
	name string
	dead bool
}

func registerEntries(r *registry[registryEntry], names ...string) []*registryEntry {
	entries := make([]*registryEntry, len(names))
	for i, name := range names {
		entries[i] = &registryEntry{name: name}
		r.add(r.reserve(), entries[i])
	}
	return entries
}

func entryNames(entries []*registryEntry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

func TestRegistry_SnapshotOrder(t *testing.T) {
	r := newRegistry[registryEntry]()
	entries := registerEntries(r, `a`, `b`, `c`, `d`)

	assert.Equal(t, []string{`a`, `b`, `c`, `d`}, entryNames(r.snapshot()))

	require.True(t, r.remove(2))
	assert.False(t, r.remove(2))
	assert.Equal(t, []string{`a`, `c`, `d`}, entryNames(r.snapshot()))
	assert.Nil(t, r.get(2))
	assert.Same(t, entries[2], r.get(3))

	runtime.KeepAlive(entries)
}

func TestRegistry_ReserveIsUnique(t *testing.T) {
	r := newRegistry[registryEntry]()
	seen := make(map[uint64]bool)
	for range 100 {
		id := r.reserve()
		require.NotZero(t, id)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestRegistry_AddTwiceIsNoop(t *testing.T) {
	r := newRegistry[registryEntry]()
	a := &registryEntry{name: `a`}
	id := r.reserve()
	r.add(id, a)
	r.add(id, &registryEntry{name: `b`})
	assert.Equal(t, 1, r.len())
	assert.Same(t, a, r.get(id))
	runtime.KeepAlive(a)
}

func TestRegistry_CollectedPruned(t *testing.T) {
	r := newRegistry[registryEntry]()
	kept := registerEntries(r, `kept`)

	func() {
		registerEntries(r, `dropped`)
	}()

	collect(t, func() bool { return len(r.snapshot()) == 1 })
	assert.Equal(t, 1, r.len())
	assert.Equal(t, []string{`kept`}, entryNames(r.snapshot()))

	runtime.KeepAlive(kept)
}

func TestRegistry_PinKeepsAlive(t *testing.T) {
	r := newRegistry[registryEntry]()

	id := func() uint64 {
		e := &registryEntry{name: `pinned`}
		id := r.reserve()
		r.add(id, e)
		require.True(t, r.pin(id, e))
		return id
	}()
	assert.False(t, r.pin(id+1, &registryEntry{}))

	for range 5 {
		runtime.GC()
	}
	require.NotNil(t, r.get(id))
	assert.Equal(t, `pinned`, r.get(id).name)

	// removal releases the pin
	require.True(t, r.remove(id))
	assert.Zero(t, r.len())
	assert.Empty(t, r.pinned)
}

func TestRegistry_Clear(t *testing.T) {
	r := newRegistry[registryEntry]()
	entries := registerEntries(r, `a`, `b`)
	r.pin(1, entries[0])

	got := r.clear(nil)
	assert.Equal(t, []string{`a`, `b`}, entryNames(got))
	assert.Zero(t, r.len())
	assert.Empty(t, r.snapshot())
	assert.Empty(t, r.pinned)

	runtime.KeepAlive(entries)
}

func TestRegistry_ClearVisitsUnderLock(t *testing.T) {
	r := newRegistry[registryEntry]()
	entries := registerEntries(r, `a`, `b`, `c`)

	var visited []string
	got := r.clear(func(e *registryEntry) {
		assert.False(t, r.mu.TryRLock(), `visited outside the lock`)
		visited = append(visited, e.name)
		e.dead = true
	})
	assert.Equal(t, []string{`a`, `b`, `c`}, visited)
	assert.Equal(t, visited, entryNames(got))
	for _, e := range entries {
		assert.True(t, e.dead)
	}
	assert.Zero(t, r.len())
}

func TestRegistry_ScavengeDeadPredicate(t *testing.T) {
	r := newRegistry[registryEntry]()
	entries := registerEntries(r, `a`, `b`, `c`, `d`, `e`)
	entries[1].dead = true
	entries[3].dead = true

	isDead := func(e *registryEntry) bool { return e.dead }

	// first batch only covers a, b
	r.scavenge(2, isDead)
	assert.Equal(t, []string{`a`, `c`, `d`, `e`}, entryNames(r.snapshot()))
	assert.Equal(t, 2, r.head)

	r.scavenge(2, isDead)
	assert.Equal(t, []string{`a`, `c`, `e`}, entryNames(r.snapshot()))

	// wraps around
	r.scavenge(2, isDead)
	assert.Zero(t, r.head)

	r.scavenge(0, isDead)
	assert.Equal(t, 3, r.len())

	runtime.KeepAlive(entries)
}

func TestRegistry_ScavengeCompacts(t *testing.T) {
	r := newRegistry[registryEntry]()

	names := make([]string, 400)
	for i := range names {
		names[i] = fmt.Sprint(i)
	}
	entries := registerEntries(r, names...)
	for i, e := range entries {
		e.dead = i%10 != 0
	}

	for range 10 {
		r.scavenge(64, func(e *registryEntry) bool { return e.dead })
	}

	assert.Equal(t, 40, r.len())
	assert.Len(t, r.ring, 40, `ring not compacted`)

	want := make([]string, 0, 40)
	for i := 0; i < 400; i += 10 {
		want = append(want, fmt.Sprint(i))
	}
	assert.Equal(t, want, entryNames(r.snapshot()))

	runtime.KeepAlive(entries)
}
