package message

import "github.com/kubeslice/ipc-endpoint/internal/ipc/fd"

// LocalChannelHandle is an opaque value minted by a ChannelManager to
// represent a channel from the client side. The endpoint never
// interprets it; it only ever round-trips through the ChannelManager
// that produced it.
type LocalChannelHandle interface{}

// ChannelManager is the client-side channel registry this package
// borrows fd pairs from and hands fd pairs to. It lives outside this
// repository (see spec's client-side channel-manager registry); the
// endpoint only ever holds a reference to one, injected at
// construction, so tests can substitute a fake.
type ChannelManager interface {
	// Register mints a LocalChannelHandle for a freshly received
	// (data fd, event fd) pair and takes ownership of both.
	Register(dataFd, eventFd fd.Owned) LocalChannelHandle

	// Resolve returns the (data fd, event fd) pair associated with a
	// previously registered handle as non-owning borrows. ok is false
	// if the handle is not known to this manager.
	Resolve(handle LocalChannelHandle) (dataFd, eventFd fd.Borrowed, ok bool)
}
