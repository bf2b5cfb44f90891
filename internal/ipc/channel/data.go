package channel

import (
	"github.com/edwarnicke/serialize"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
)

// Data is ChannelData: everything the endpoint owns about one live
// channel. Channel is a non-owning borrow into service-owned state,
// registered and cleared through SetChannel — the endpoint never takes
// ownership of it. replyExec serializes this channel's reply path: the
// one-shot readiness discipline already guarantees at most one
// goroutine reads a channel's requests at a time, but a service is
// free to hold a Message and reply from a goroutine of its own.
// replyExec makes replies written to this DataFd line up instead of
// interleaving on the wire. Each channel, including one created by
// PushChannel, has its own Data and its own replyExec; replies on
// different channels are not ordered against each other.
type Data struct {
	DataFd    fd.Owned
	Events    *EventSet
	Channel   interface{}
	replyExec serialize.Executor
}

// Reply runs fn with this channel's replies serialized against any
// other in-flight reply for the same channel, and blocks until fn has
// run.
func (d *Data) Reply(fn func() error) error {
	var err error
	<-d.replyExec.AsyncExec(func() {
		err = fn()
	})
	return err
}

// SetChannel registers (or clears, with nil) the service's opaque
// per-channel state object.
func (d *Data) SetChannel(state interface{}) {
	d.Channel = state
}

// Close releases the fds this Data owns. It does not touch the table;
// callers remove the entry from the Table first.
func (d *Data) Close() error {
	err1 := d.DataFd.Close()
	err2 := d.Events.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
