// Package message implements the per-in-flight-request scratch object
// (MessageState in the source design) and the descriptor-reference
// operations a service uses to read a request's payload, write a
// response's payload, and move fds/channels across the wire.
package message

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/wire"
)

// FileReference indexes into a message's outgoing (or incoming) fd
// list. A negative value is a pass-through sentinel carrying no fd.
type FileReference int32

// ChannelReference indexes into a message's outgoing (or incoming)
// channel-info list. Negative values pass through unchanged.
type ChannelReference int32

// State is MessageState: the mutable half of a Message. It is
// single-threaded by construction — the one-shot readiness discipline
// guarantees at most one goroutine ever holds a Message for a given
// channel — so none of its operations take a lock.
type State struct {
	req    *wire.RequestHeader
	cursor uint32

	fileTaken    []bool
	channelTaken []bool

	responseData []byte
	respFiles    []int
	respChannels []wire.ChannelInfo

	// holding keeps fds alive (e.g. the client-side half of a pushed
	// pair) until the reply carrying them has actually been sent; the
	// kernel only duplicates a pushed fd at sendmsg time, so closing
	// early would hand the peer a dead descriptor.
	holding []fd.Owned

	channelMgr ChannelManager
}

// NewState builds the MessageState for one freshly received request.
func NewState(req *wire.RequestHeader, mgr ChannelManager) *State {
	return &State{
		req:          req,
		fileTaken:    make([]bool, len(req.Files)),
		channelTaken: make([]bool, len(req.Channels)),
		channelMgr:   mgr,
	}
}

// ReadMessageData copies the next chunk of the request payload into
// buf, advancing the read cursor. It returns the number of bytes
// copied; 0 means the payload is exhausted.
func (s *State) ReadMessageData(buf []byte) int {
	payload := s.req.Payload()
	if int(s.cursor) >= len(payload) {
		return 0
	}
	n := copy(buf, payload[s.cursor:])
	s.cursor += uint32(n)
	return n
}

// WriteMessageData appends buf to the response payload under
// construction.
func (s *State) WriteMessageData(buf []byte) int {
	s.responseData = append(s.responseData, buf...)
	return len(buf)
}

// ResponsePayload returns the response payload accumulated so far.
func (s *State) ResponsePayload() []byte {
	return s.responseData
}

// ClearResponsePayload discards any accumulated response payload; used
// when a CHANNEL_OPEN reply repurposes ret_code as a FileReference and
// must not also carry a body.
func (s *State) ClearResponsePayload() {
	s.responseData = nil
}

// GetFileHandle resolves a FileReference received in the request into
// an owned fd. A negative ref is returned unchanged as a sentinel
// Owned (Valid() is false). Resolving the same non-negative ref twice
// fails: ownership was already transferred out on the first call.
func (s *State) GetFileHandle(ref FileReference) (fd.Owned, error) {
	if ref < 0 {
		return fd.NewOwned(int(ref)), nil
	}
	i := int(ref)
	if i >= len(s.req.Files) {
		return fd.NewOwned(fd.Invalid), errors.Wrapf(unix.EINVAL, "file reference %d out of range", ref)
	}
	if s.fileTaken[i] {
		return fd.NewOwned(fd.Invalid), errors.Wrapf(unix.EINVAL, "file reference %d already consumed", ref)
	}
	s.fileTaken[i] = true
	return fd.NewOwned(s.req.Files[i]), nil
}

// GetChannelHandle resolves a ChannelReference received in the request
// into a LocalChannelHandle minted by the injected ChannelManager. A
// negative ref passes through with a nil handle.
func (s *State) GetChannelHandle(ref ChannelReference) (LocalChannelHandle, error) {
	if ref < 0 {
		return nil, nil
	}
	i := int(ref)
	if i >= len(s.req.Channels) {
		return nil, errors.Wrapf(unix.EINVAL, "channel reference %d out of range", ref)
	}
	if s.channelTaken[i] {
		return nil, errors.Wrapf(unix.EINVAL, "channel reference %d already consumed", ref)
	}
	s.channelTaken[i] = true
	ci := s.req.Channels[i]
	return s.channelMgr.Register(fd.NewOwned(ci.DataFd), fd.NewOwned(ci.EventFd)), nil
}

// PushFileHandle attaches f to the outgoing fd list and returns the
// FileReference the peer will see. An invalid f is passed through as
// its own sentinel value instead of being appended. Ownership of f is
// retained by the State until the reply is actually sent.
func (s *State) PushFileHandle(f fd.Owned) FileReference {
	if !f.Valid() {
		return FileReference(f.Int())
	}
	ref := FileReference(len(s.respFiles))
	s.respFiles = append(s.respFiles, f.Int())
	s.holding = append(s.holding, f)
	return ref
}

// PushFileHandleBorrowed attaches a borrowed fd the State does not
// take ownership of — used for fds owned elsewhere for the lifetime of
// the reply, such as a channel's own event fd on CHANNEL_OPEN.
func (s *State) PushFileHandleBorrowed(f fd.Borrowed) FileReference {
	if !f.Valid() {
		return FileReference(f.Int())
	}
	ref := FileReference(len(s.respFiles))
	s.respFiles = append(s.respFiles, f.Int())
	return ref
}

// PushChannelHandleFromLocal pushes the (data fd, event fd) pair
// associated with a client-side LocalChannelHandle, resolved through
// the injected ChannelManager. Fails EINVAL if the handle is unknown.
func (s *State) PushChannelHandleFromLocal(handle LocalChannelHandle) (ChannelReference, error) {
	dataFd, eventFd, ok := s.channelMgr.Resolve(handle)
	if !ok {
		return 0, errors.Wrap(unix.EINVAL, "unknown local channel handle")
	}
	return s.pushChannelInfo(wire.ChannelInfo{DataFd: dataFd.Int(), EventFd: eventFd.Int()}), nil
}

// PushChannelHandleRaw pushes a (data fd, event fd) pair the caller
// already holds borrows to, without consulting the ChannelManager.
func (s *State) PushChannelHandleRaw(dataFd, eventFd fd.Borrowed) ChannelReference {
	return s.pushChannelInfo(wire.ChannelInfo{DataFd: dataFd.Int(), EventFd: eventFd.Int()})
}

// PushChannelHandleRemote passes a numeric remote channel reference
// through unchanged: no wire allocation, no ChannelManager lookup.
func (s *State) PushChannelHandleRemote(ref ChannelReference) ChannelReference {
	return ref
}

func (s *State) pushChannelInfo(ci wire.ChannelInfo) ChannelReference {
	ref := ChannelReference(len(s.respChannels))
	s.respChannels = append(s.respChannels, ci)
	return ref
}

// Hold keeps f open until the State is finished with (i.e. until the
// reply has been sent), without exposing it on the wire. Used for the
// client-side half of a pushed channel pair.
func (s *State) Hold(f fd.Owned) {
	s.holding = append(s.holding, f)
}

// BuildResponseHeader assembles the ResponseHeader for the fds and
// channels pushed so far, to be paired with ResponsePayload().
func (s *State) BuildResponseHeader(retCode int32) *wire.ResponseHeader {
	return &wire.ResponseHeader{
		RetCode:  retCode,
		Files:    s.respFiles,
		Channels: s.respChannels,
	}
}

// Release closes every fd this State still owns: any request fd the
// service never consumed via GetFileHandle/GetChannelHandle, and every
// held fd after the reply carrying it has been transmitted.
func (s *State) Release() {
	for i, taken := range s.fileTaken {
		if !taken {
			_ = unix.Close(s.req.Files[i])
		}
	}
	for i, taken := range s.channelTaken {
		if !taken {
			_ = unix.Close(s.req.Channels[i].DataFd)
			_ = unix.Close(s.req.Channels[i].EventFd)
		}
	}
	for _, h := range s.holding {
		h := h
		_ = h.Close()
	}
	s.holding = nil
}
