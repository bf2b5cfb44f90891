package endpoint

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/channel"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/message"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/wire"
)

// MessageReply completes msg with returnCode. CHANNEL_CLOSE replies
// finish channel teardown with no wire I/O. A CHANNEL_OPEN reply with
// a negative returnCode rejects the channel (closes it); a
// non-negative one pushes the channel's own event fd into the reply
// and reinterprets returnCode as that push's FileReference — this is
// how a new client learns its event fd. Every other op sends a normal
// response frame and rearms the channel's readiness.
func (e *Endpoint) MessageReply(msg *message.Message, returnCode int32) error {
	defer msg.State.Release()

	switch msg.Op {
	case OpChannelClose:
		return e.closeChannel(msg.ChannelID)

	case OpChannelOpen:
		if returnCode < 0 {
			e.closeChannel(msg.ChannelID)
			return nil
		}
		return e.replyChannelOpen(msg)

	default:
		return e.replyNormal(msg, returnCode)
	}
}

// MessageReplyFd pushes f as a file handle and replies with the
// resulting FileReference as the return code.
func (e *Endpoint) MessageReplyFd(msg *message.Message, f fd.Owned) error {
	ref := msg.State.PushFileHandle(f)
	return e.MessageReply(msg, int32(ref))
}

// MessageReplyChannelHandleFromLocal pushes the (data fd, event fd)
// pair associated with a client-side LocalChannelHandle and replies
// with the resulting ChannelReference as the return code.
func (e *Endpoint) MessageReplyChannelHandleFromLocal(msg *message.Message, handle message.LocalChannelHandle) error {
	ref, err := msg.State.PushChannelHandleFromLocal(handle)
	if err != nil {
		return err
	}
	return e.MessageReply(msg, int32(ref))
}

// MessageReplyChannelHandleRaw pushes a borrowed (data fd, event fd)
// pair directly and replies with the resulting ChannelReference.
func (e *Endpoint) MessageReplyChannelHandleRaw(msg *message.Message, dataFd, eventFd fd.Borrowed) error {
	ref := msg.State.PushChannelHandleRaw(dataFd, eventFd)
	return e.MessageReply(msg, int32(ref))
}

// MessageReplyChannelHandleRemote passes a numeric remote channel
// reference through unchanged and replies with it.
func (e *Endpoint) MessageReplyChannelHandleRemote(msg *message.Message, ref message.ChannelReference) error {
	return e.MessageReply(msg, int32(msg.State.PushChannelHandleRemote(ref)))
}

func (e *Endpoint) replyChannelOpen(msg *message.Message) error {
	data, ok := e.table.Get(msg.ChannelID)
	if !ok {
		return errors.Wrapf(unix.EBADF, "reply on closed channel %d", msg.ChannelID)
	}

	ref := msg.State.PushFileHandleBorrowed(data.Events.Fd())
	msg.State.ClearResponsePayload()

	hdr := msg.State.BuildResponseHeader(int32(ref))
	return e.sendAndRearm(data, hdr, nil)
}

func (e *Endpoint) replyNormal(msg *message.Message, returnCode int32) error {
	data, ok := e.table.Get(msg.ChannelID)
	if !ok {
		return errors.Wrapf(unix.EBADF, "reply on closed channel %d", msg.ChannelID)
	}

	hdr := msg.State.BuildResponseHeader(returnCode)
	payload := msg.State.ResponsePayload()
	return e.sendAndRearm(data, hdr, payload)
}

// sendAndRearm sends hdr/payload on the channel's socket and, on
// success, rearms its readiness; apart from the impulse path in
// receiveForChannel, this is the only place a channel fd is rearmed.
// I/O errors here propagate to the caller without tearing the channel
// down; the caller decides what to do. The send and the rearm run
// inside the channel's own replyExec so two replies on the same
// channel can never interleave on the wire.
func (e *Endpoint) sendAndRearm(data *channel.Data, hdr *wire.ResponseHeader, payload []byte) error {
	return data.Reply(func() error {
		if err := wire.WriteResponse(data.DataFd.Int(), hdr, payload); err != nil {
			return err
		}
		return e.epollSet.Rearm(data.DataFd.Int(), readyEvents)
	})
}
