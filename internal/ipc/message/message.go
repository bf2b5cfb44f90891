package message

import (
	"github.com/kubeslice/ipc-endpoint/internal/ipc/channel"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/wire"
)

// ImpulseMessageID is the sentinel message id carried by every impulse
// message, in place of the monotonically increasing id regular
// messages receive.
const ImpulseMessageID int64 = -1

// Message is the immutable header info the endpoint hands to the
// service, paired with the mutable State the service operates on.
type Message struct {
	Op             int32
	ChannelID      channel.ID
	MessageID      int64
	IsImpulse      bool
	ImpulsePayload [wire.ImpulsePayloadSize]byte
	Cred           wire.Credentials

	// ChannelState is a non-owning borrow of the service's opaque
	// per-channel object, as registered via channel.Data.SetChannel.
	ChannelState interface{}

	State *State
}
