package apartment

import (
	"sync"
	"weak"
)

// registry tracks handles using weak pointers, so that dropping a handle is
// sufficient to end its registration. Registration order is preserved by a
// ring of ids, which is also the scavenging cursor. Handles may be pinned,
// which keeps them alive while registered.
type registry[V any] struct {
	// data stores weak pointers to handles.
	data map[uint64]weak.Pointer[V]

	// pinned holds strong references, for backgrounded handles.
	pinned map[uint64]*V

	// ring holds ids in registration order, with 0 marking removed slots.
	ring []uint64

	// head is the current cursor position in the ring for the scavenger.
	head int

	// nextID is the counter for generating unique ids.
	nextID uint64
	mu     sync.RWMutex

	// scavengeMu serializes scavenge operations, to ensure compaction safety.
	scavengeMu sync.Mutex
}

func newRegistry[V any]() *registry[V] {
	return &registry[V]{
		data:   make(map[uint64]weak.Pointer[V]),
		pinned: make(map[uint64]*V),
		nextID: 1, // Start at 1 so 0 is null marker
	}
}

// reserve allocates a unique id, without registering anything.
func (r *registry[V]) reserve() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// add registers v under id, which must come from reserve. Re-adding a
// registered id is a no-op.
func (r *registry[V]) add(id uint64, v *V) {
	wp := weak.Make(v)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; ok {
		return
	}
	r.data[id] = wp
	r.ring = append(r.ring, id)
}

// get resolves id, returning nil if it is not registered, or was collected.
func (r *registry[V]) get(id uint64) *V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if wp, ok := r.data[id]; ok {
		return wp.Value()
	}
	return nil
}

// remove unregisters id, reporting whether it was registered.
func (r *registry[V]) remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *registry[V]) removeLocked(id uint64) bool {
	if _, ok := r.data[id]; !ok {
		return false
	}
	delete(r.data, id)
	delete(r.pinned, id)
	// ring slots are cleared lazily, by snapshot and scavenge
	return true
}

// pin keeps v (registered as id) alive until it is removed, reporting
// whether it was registered.
func (r *registry[V]) pin(id uint64, v *V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return false
	}
	r.pinned[id] = v
	return true
}

// snapshot returns the live handles, in registration order, pruning any
// that were collected.
func (r *registry[V]) snapshot() []*V {
	r.mu.RLock()
	values := make([]*V, 0, len(r.data))
	var dead []uint64
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		wp, ok := r.data[id]
		if !ok {
			continue
		}
		if v := wp.Value(); v != nil {
			values = append(values, v)
		} else {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	if len(dead) != 0 {
		r.mu.Lock()
		for _, id := range dead {
			r.removeLocked(id)
		}
		r.mu.Unlock()
	}

	return values
}

// len returns the number of registered ids, which may include collected
// handles that have not yet been pruned.
func (r *registry[V]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// clear unregisters everything, returning the handles that were still live.
// If each is non-nil, it is called for every live handle, before the lock is
// released.
func (r *registry[V]) clear(each func(*V)) []*V {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := make([]*V, 0, len(r.data))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			if v := wp.Value(); v != nil {
				values = append(values, v)
				if each != nil {
					each(v)
				}
			}
		}
	}

	clear(r.data)
	clear(r.pinned)
	r.ring = r.ring[:0]
	r.head = 0

	return values
}

// scavenge performs a partial cleanup, checking the next batchSize ring
// slots for handles that were collected, or for which dead returns true.
func (r *registry[V]) scavenge(batchSize int, dead func(*V) bool) {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return
	}

	start := min(r.head, ringLen)
	end := min(start+batchSize, ringLen)

	type item struct {
		wp  weak.Pointer[V]
		id  uint64
		idx int
	}
	items := make([]item, 0, end-start)
	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			items = append(items, item{wp, id, i})
		}
	}

	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	cycleCompleted := nextHead == 0

	// checks happen outside the lock, as dead may be arbitrarily expensive
	var itemsToRemove []item
	for _, it := range items {
		if v := it.wp.Value(); v == nil || (dead != nil && dead(v)) {
			itemsToRemove = append(itemsToRemove, it)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range itemsToRemove {
		r.removeLocked(it.id)
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}

	r.head = nextHead

	// compaction, when load factor < 25%
	if cycleCompleted && len(r.ring) > 256 && len(r.data) < len(r.ring)/4 {
		r.compactAndRenew()
	}
}

// compactAndRenew removes null markers from the ring, and rebuilds the maps,
// which reclaims their bucket arrays. Must be called with mu held.
func (r *registry[V]) compactAndRenew() {
	newRing := make([]uint64, 0, len(r.data))
	newData := make(map[uint64]weak.Pointer[V], len(r.data))
	newPinned := make(map[uint64]*V, len(r.pinned))

	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			newRing = append(newRing, id)
			newData[id] = wp
			if v, ok := r.pinned[id]; ok {
				newPinned[id] = v
			}
		}
	}

	r.ring = newRing
	r.data = newData
	r.pinned = newPinned
	r.head = 0
}
