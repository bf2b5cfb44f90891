package message_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/message"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/wire"
)

type fakeChannelManager struct {
	registered map[interface{}][2]int
	next       int
}

func newFakeChannelManager() *fakeChannelManager {
	return &fakeChannelManager{registered: map[interface{}][2]int{}}
}

func (m *fakeChannelManager) Register(dataFd, eventFd fd.Owned) message.LocalChannelHandle {
	m.next++
	h := m.next
	m.registered[h] = [2]int{dataFd.Int(), eventFd.Int()}
	return h
}

func (m *fakeChannelManager) Resolve(handle message.LocalChannelHandle) (fd.Borrowed, fd.Borrowed, bool) {
	pair, ok := m.registered[handle]
	if !ok {
		return fd.Borrowed{}, fd.Borrowed{}, false
	}
	return fd.NewBorrowed(pair[0]), fd.NewBorrowed(pair[1]), true
}

func TestReadMessageDataAdvancesCursor(t *testing.T) {
	req := &wire.RequestHeader{SendLen: 5}
	req.SetPayload([]byte("hello"))
	st := message.NewState(req, newFakeChannelManager())

	buf := make([]byte, 3)
	n := st.ReadMessageData(buf)
	require.Equal(t, 3, n)
	require.Equal(t, "hel", string(buf[:n]))

	n = st.ReadMessageData(buf)
	require.Equal(t, 2, n)
	require.Equal(t, "lo", string(buf[:n]))

	n = st.ReadMessageData(buf)
	require.Equal(t, 0, n)
}

func TestWriteMessageDataAppends(t *testing.T) {
	st := message.NewState(&wire.RequestHeader{}, newFakeChannelManager())
	st.WriteMessageData([]byte("HEL"))
	st.WriteMessageData([]byte("LO"))
	require.Equal(t, "HELLO", string(st.ResponsePayload()))
}

func TestGetFileHandleNegativeRefPassesThrough(t *testing.T) {
	st := message.NewState(&wire.RequestHeader{}, newFakeChannelManager())
	got, err := st.GetFileHandle(-7)
	require.NoError(t, err)
	require.False(t, got.Valid())
	require.Equal(t, -7, got.Int())
}

func TestGetFileHandleTransfersOwnershipOnce(t *testing.T) {
	req := &wire.RequestHeader{Files: []int{11, 22}}
	st := message.NewState(req, newFakeChannelManager())

	got, err := st.GetFileHandle(1)
	require.NoError(t, err)
	require.Equal(t, 22, got.Int())

	again, err := st.GetFileHandle(1)
	require.Error(t, err)
	require.False(t, again.Valid())
}

func TestGetFileHandleOutOfRangeFails(t *testing.T) {
	st := message.NewState(&wire.RequestHeader{}, newFakeChannelManager())
	_, err := st.GetFileHandle(0)
	require.Error(t, err)
}

func TestPushFileHandleInvalidPassesThrough(t *testing.T) {
	st := message.NewState(&wire.RequestHeader{}, newFakeChannelManager())
	ref := st.PushFileHandle(fd.NewOwned(-1))
	require.Equal(t, message.FileReference(-1), ref)
}

func TestPushFileHandleAppendsAndReturnsIndex(t *testing.T) {
	st := message.NewState(&wire.RequestHeader{}, newFakeChannelManager())
	ref1 := st.PushFileHandle(fd.NewOwned(100))
	ref2 := st.PushFileHandle(fd.NewOwned(101))
	require.Equal(t, message.FileReference(0), ref1)
	require.Equal(t, message.FileReference(1), ref2)

	hdr := st.BuildResponseHeader(0)
	require.Equal(t, []int{100, 101}, hdr.Files)
}

func TestPushChannelHandleFromLocalUnknownFails(t *testing.T) {
	st := message.NewState(&wire.RequestHeader{}, newFakeChannelManager())
	_, err := st.PushChannelHandleFromLocal(12345)
	require.Error(t, err)
}

func TestPushChannelHandleFromLocalResolved(t *testing.T) {
	mgr := newFakeChannelManager()
	handle := mgr.Register(fd.NewOwned(7), fd.NewOwned(8))
	st := message.NewState(&wire.RequestHeader{}, mgr)

	ref, err := st.PushChannelHandleFromLocal(handle)
	require.NoError(t, err)
	require.Equal(t, message.ChannelReference(0), ref)

	hdr := st.BuildResponseHeader(0)
	require.Equal(t, []wire.ChannelInfo{{DataFd: 7, EventFd: 8}}, hdr.Channels)
}

func TestPushChannelHandleRemotePassesThrough(t *testing.T) {
	st := message.NewState(&wire.RequestHeader{}, newFakeChannelManager())
	ref := st.PushChannelHandleRemote(55)
	require.Equal(t, message.ChannelReference(55), ref)
}
