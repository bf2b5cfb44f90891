// Package channel implements the channel table: the map from channel
// id to per-channel state, the reverse map from data-fd to id, and the
// id allocator, all protected by a single mutex whose critical
// sections never perform I/O (see the source's own design notes on
// why a single big mutex is the right call at this scale).
package channel

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
)

// Table is the Endpoint's Channels/FdToId pair plus the id counter,
// all under one mutex.
type Table struct {
	mu      sync.Mutex
	entries map[ID]*Data
	fdToID  map[int]ID
	lastID  ID
}

// NewTable returns an empty channel table.
func NewTable() *Table {
	return &Table{
		entries: make(map[ID]*Data),
		fdToID:  make(map[int]ID),
	}
}

// Insert allocates a fresh id for dataFd/events/channelState and adds
// it to the table. The Table takes ownership of dataFd and events.
func (t *Table) Insert(dataFd fd.Owned, events *EventSet, channelState interface{}) (ID, *Data) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.allocateLocked()
	d := &Data{DataFd: dataFd, Events: events, Channel: channelState}
	t.entries[id] = d
	t.fdToID[dataFd.Int()] = id
	return id, d
}

func (t *Table) allocateLocked() ID {
	for {
		t.lastID = next(t.lastID)
		if _, exists := t.entries[t.lastID]; !exists {
			return t.lastID
		}
	}
}

// Get returns the Data for id, if it is currently live.
func (t *Table) Get(id ID) (*Data, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[id]
	return d, ok
}

// GetByFd returns the id and Data registered for a raw data fd.
func (t *Table) GetByFd(rawFd int) (ID, *Data, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.fdToID[rawFd]
	if !ok {
		return Invalid, nil, false
	}
	return id, t.entries[id], true
}

// SocketFd returns a borrow of id's data fd, or an error if id is not
// live.
func (t *Table) SocketFd(id ID) (fd.Borrowed, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[id]
	if !ok {
		return fd.Borrowed{}, errors.Wrapf(unix.EINVAL, "unknown channel %d", id)
	}
	return d.DataFd.Borrow(), nil
}

// EventFd returns a borrow of id's event fd, or an error if id is not
// live.
func (t *Table) EventFd(id ID) (fd.Borrowed, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[id]
	if !ok {
		return fd.Borrowed{}, errors.Wrapf(unix.EINVAL, "unknown channel %d", id)
	}
	return d.Events.Fd(), nil
}

// Remove deletes id from the table and returns its Data for the caller
// to close. It is a no-op (ok=false) if id is not live.
func (t *Table) Remove(id ID) (*Data, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	delete(t.fdToID, d.DataFd.Int())
	return d, true
}

// Len reports how many channels are currently live, for tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
