//go:build linux || darwin

package apartment

import (
	"weak"

	"golang.org/x/sys/unix"
)

// socketEntry is the bookkeeping for one slot of the official poll set.
type socketEntry struct {
	socket weak.Pointer[Socket]
	id     uint64
	// interest is the requested events, inflight the events currently
	// suppressed, pending delivery of a previous notification
	interest int16
	inflight int16
}

// socketSet is the dense descriptor set polled by the socket monitor. The
// official arrays are modified in place, by registration changes, while the
// polling copy is rebuilt lazily, only if dirty. Slot 0 is reserved for the
// monitor's wake socket.
type socketSet struct {
	official []unix.PollFd
	entries  []socketEntry
	index    map[uint64]int

	polling    []unix.PollFd
	pollingIDs []uint64
	dirty      bool
}

func newSocketSet(wakeFD int) *socketSet {
	return &socketSet{
		official: []unix.PollFd{{Fd: int32(wakeFD), Events: unix.POLLIN}},
		entries:  []socketEntry{{}},
		index:    make(map[uint64]int),
		dirty:    true,
	}
}

// len returns the number of monitored sockets, excluding the wake socket.
func (x *socketSet) len() int {
	return len(x.official) - 1
}

// upsert sets the interest of s, registering it if necessary, and reports
// whether it was newly registered.
func (x *socketSet) upsert(s *Socket, interest int16) bool {
	if i, ok := x.index[s.id]; ok {
		x.check(`upsert`, i, s.id)
		x.entries[i].interest = interest
		x.sync(i)
		return false
	}

	x.index[s.id] = len(x.official)
	x.official = append(x.official, unix.PollFd{Fd: int32(s.fd)})
	x.entries = append(x.entries, socketEntry{
		socket:   weak.Make(s),
		id:       s.id,
		interest: interest,
	})
	x.sync(len(x.official) - 1)

	return true
}

// remove unregisters id, by moving the last slot into its place, and reports
// whether it was registered.
func (x *socketSet) remove(id uint64) bool {
	i, ok := x.index[id]
	if !ok {
		return false
	}
	x.check(`remove`, i, id)

	last := len(x.official) - 1
	if i != last {
		x.official[i] = x.official[last]
		x.entries[i] = x.entries[last]
		moved := x.entries[i].id
		if x.index[moved] != last {
			invariant(`remove`, `socket %d indexed at %d, expected %d`, moved, x.index[moved], last)
		}
		x.index[moved] = i
	}
	x.official[last] = unix.PollFd{}
	x.entries[last] = socketEntry{}
	x.official = x.official[:last]
	x.entries = x.entries[:last]
	delete(x.index, id)

	x.dirty = true
	return true
}

// suppress marks events as in flight for id, reporting whether any of them
// were armed.
func (x *socketSet) suppress(id uint64, events int16) bool {
	i, ok := x.index[id]
	if !ok {
		return false
	}
	x.check(`suppress`, i, id)
	armed := x.official[i].Events & events
	x.entries[i].inflight |= events
	x.sync(i)
	return armed != 0
}

// rearm clears in flight events for id, reporting whether the set changed.
func (x *socketSet) rearm(id uint64, events int16) bool {
	i, ok := x.index[id]
	if !ok {
		return false
	}
	x.check(`rearm`, i, id)
	x.entries[i].inflight &^= events
	return x.sync(i)
}

// lookup resolves id to its socket, which may be nil if it was collected.
func (x *socketSet) lookup(id uint64) (*Socket, int16, bool) {
	i, ok := x.index[id]
	if !ok {
		return nil, 0, false
	}
	x.check(`lookup`, i, id)
	return x.entries[i].socket.Value(), x.entries[i].interest, true
}

// sync recomputes the armed events for slot i, marking the set dirty if they
// changed.
func (x *socketSet) sync(i int) bool {
	events := x.entries[i].interest &^ x.entries[i].inflight
	if x.official[i].Events == events {
		return false
	}
	x.official[i].Events = events
	x.dirty = true
	return true
}

func (x *socketSet) check(op string, i int, id uint64) {
	if i <= 0 || i >= len(x.entries) || x.entries[i].id != id {
		invariant(op, `socket %d indexed at %d, which does not hold it`, id, i)
	}
}

// prepare returns the polling copy, and the id of each slot, rebuilding them
// if the official set changed. Slots with nothing armed are disabled with a
// negative descriptor, so hangups or errors don't repeatedly wake the poll.
func (x *socketSet) prepare() ([]unix.PollFd, []uint64) {
	if x.dirty {
		x.polling = append(x.polling[:0], x.official...)
		x.pollingIDs = x.pollingIDs[:0]
		for i := range x.entries {
			x.pollingIDs = append(x.pollingIDs, x.entries[i].id)
			if i != 0 && x.polling[i].Events == 0 {
				x.polling[i].Fd = -1
			}
		}
		x.dirty = false
	}
	for i := range x.polling {
		x.polling[i].Revents = 0
	}
	return x.polling, x.pollingIDs
}

// clear unregisters everything but the wake socket.
func (x *socketSet) clear() {
	clear(x.official[1:])
	clear(x.entries[1:])
	x.official = x.official[:1]
	x.entries = x.entries[:1]
	clear(x.index)
	x.dirty = true
}
