package endpoint

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/channel"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/message"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/wire"
)

// channelCloseCred is the sentinel credential set attached to a
// synthetic CHANNEL_CLOSE message: pid=euid=egid=-1, as specified.
var channelCloseCred = wire.Credentials{PID: -1, UID: ^uint32(0), GID: ^uint32(0)}

func waitTimeout(blocking bool) int {
	if blocking {
		return -1
	}
	return 0
}

// MessageReceive drains exactly one readiness event and turns it into
// one Message: a new connection's first frame, a regular or impulse
// request on an existing channel, or a synthetic CHANNEL_CLOSE when a
// peer has hung up.
func (e *Endpoint) MessageReceive() (*message.Message, error) {
	ev, err := e.epollSet.Wait(waitTimeout(e.blocking))
	if err != nil {
		return nil, err
	}

	if ev.Fd == e.cancelFd.Int() {
		return nil, unix.ESHUTDOWN
	}

	if ev.Fd == e.listenFd.Int() {
		msg, err := e.AcceptConnection()
		if rerr := e.epollSet.Rearm(e.listenFd.Int(), readyEvents); rerr != nil && err == nil {
			err = rerr
		}
		return msg, err
	}

	id, data, ok := e.table.GetByFd(ev.Fd)
	if !ok {
		// The channel was already torn down between epoll_wait
		// returning and us looking it up; nothing to deliver.
		return nil, errors.Wrap(unix.EINVAL, "readiness event for unknown channel fd")
	}

	if ev.Flags&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		return e.synthesizeChannelClose(id, data), nil
	}

	return e.receiveForChannel(id)
}

// receiveForChannel reads one RequestHeader (and its payload, if any)
// from id's channel socket and turns it into a Message. Impulse
// requests rearm the channel immediately, since they carry no reply.
func (e *Endpoint) receiveForChannel(id channel.ID) (*message.Message, error) {
	data, ok := e.table.Get(id)
	if !ok {
		return nil, errors.Wrap(unix.EINVAL, "unknown channel")
	}
	rawFd := data.DataFd.Int()

	req, err := wire.ReadRequest(rawFd)
	if err == unix.ESHUTDOWN {
		return e.synthesizeChannelClose(id, data), nil
	}
	if err != nil {
		e.closeChannel(id)
		return nil, err
	}

	mid := e.allocateMessageID()
	if req.IsImpulse {
		mid = message.ImpulseMessageID
	}

	msg := &message.Message{
		Op:             req.Op,
		ChannelID:      id,
		MessageID:      mid,
		IsImpulse:      req.IsImpulse,
		ImpulsePayload: req.ImpulsePayload,
		Cred:           req.Cred,
		ChannelState:   data.Channel,
		State:          message.NewState(req, e.channelMgr),
	}

	if req.IsImpulse {
		if err := e.epollSet.Rearm(rawFd, readyEvents); err != nil {
			msg.State.Release()
			e.closeChannel(id)
			return nil, err
		}
	}

	return msg, nil
}

func (e *Endpoint) synthesizeChannelClose(id channel.ID, data *channel.Data) *message.Message {
	req := &wire.RequestHeader{Cred: channelCloseCred}
	return &message.Message{
		Op:           OpChannelClose,
		ChannelID:    id,
		MessageID:    e.allocateMessageID(),
		Cred:         channelCloseCred,
		ChannelState: data.Channel,
		State:        message.NewState(req, e.channelMgr),
	}
}
