package channel

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
)

// EventSet owns a channel's event fd — the kernel eventfd counter used
// to signal asynchronous state bits from the endpoint to the client —
// and caches the bit mask last pushed to it. Setting/clearing
// individual bits is the client-facing signalling layer this repository
// does not implement; EventSet only owns the fd and the cached value.
type EventSet struct {
	fd   fd.Owned
	mask uint64
}

// NewEventSet creates a fresh, non-blocking, close-on-exec eventfd.
func NewEventSet() (*EventSet, error) {
	raw, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "creating channel event fd")
	}
	return &EventSet{fd: fd.NewOwned(raw)}, nil
}

// Fd returns a non-owning borrow of the event fd.
func (e *EventSet) Fd() fd.Borrowed {
	return e.fd.Borrow()
}

// Mask returns the last bit mask cached for this channel.
func (e *EventSet) Mask() uint64 {
	return e.mask
}

// SetMask overwrites the cached bit mask. It does not itself write to
// the eventfd; that belongs to the signalling layer.
func (e *EventSet) SetMask(mask uint64) {
	e.mask = mask
}

// Close releases the event fd.
func (e *EventSet) Close() error {
	return e.fd.Close()
}
