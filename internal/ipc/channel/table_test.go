package channel_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/channel"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
)

func newEvents(t *testing.T) *channel.EventSet {
	t.Helper()
	es, err := channel.NewEventSet()
	require.NoError(t, err)
	return es
}

func TestInsertNeverReturnsInvalidID(t *testing.T) {
	tab := channel.NewTable()
	id, _ := tab.Insert(fd.NewOwned(3), newEvents(t), nil)
	require.NotEqual(t, channel.Invalid, id)
}

func TestTableIsConsistentWithFdToID(t *testing.T) {
	tab := channel.NewTable()
	id, _ := tab.Insert(fd.NewOwned(42), newEvents(t), "state")

	gotID, data, ok := tab.GetByFd(42)
	require.True(t, ok)
	require.Equal(t, id, gotID)
	require.Equal(t, "state", data.Channel)

	_, removed := tab.Remove(id)
	require.True(t, removed)
	_, _, ok = tab.GetByFd(42)
	require.False(t, ok)
}

func TestAllocationNeverReusesALiveID(t *testing.T) {
	tab := channel.NewTable()
	seen := map[channel.ID]bool{}
	for i := 0; i < 1000; i++ {
		id, _ := tab.Insert(fd.NewOwned(1000+i), newEvents(t), nil)
		require.False(t, seen[id], "id %d reused while still live", id)
		seen[id] = true
	}
}

func TestAllocationAdvancesPastRemovedIDs(t *testing.T) {
	tab := channel.NewTable()
	// Insert and remove without ever keeping an entry alive: lastID
	// still advances, so each insert gets the next id (1, 2, ... 5)
	// rather than reusing the one just freed.
	var lastSeen channel.ID
	for i := 0; i < 5; i++ {
		id, _ := tab.Insert(fd.NewOwned(2000+i), newEvents(t), nil)
		lastSeen = id
		tab.Remove(id)
	}
	require.Equal(t, channel.ID(5), lastSeen)
	require.NotEqual(t, channel.ID(math.MaxInt32), lastSeen)
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	tab := channel.NewTable()
	_, ok := tab.Remove(channel.ID(99))
	require.False(t, ok)
}
