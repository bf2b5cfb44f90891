// Package fd gives the rest of the ipc-endpoint tree a single place to
// reason about file-descriptor ownership. Every raw fd that crosses a
// component boundary is either an Owned (exclusive, closes exactly once)
// or a Borrowed (a duplicate int that must not outlive its owner).
package fd

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Invalid is the fd number that stands for no fd at all:
// NewOwned(Invalid) and NewBorrowed(Invalid) hold no fd. The zero value
// of Owned and Borrowed is not Invalid; it holds fd 0.
const Invalid = -1

// Owned is a move-only file descriptor. The zero value holds fd 0, and
// Valid reports it as open.
// Copying an Owned by value is a programmer error: use Take to move it.
type Owned struct {
	fd int
}

// NewOwned wraps an already-open fd, taking ownership of it.
func NewOwned(raw int) Owned {
	return Owned{fd: raw}
}

// Valid reports whether o currently owns an open fd.
func (o *Owned) Valid() bool {
	return o.fd > Invalid
}

// Int returns the raw fd number without transferring ownership. The
// caller must not close it.
func (o *Owned) Int() int {
	return o.fd
}

// Borrow produces a non-owning duplicate of o's fd number. The Borrowed
// value must not be used after o is closed.
func (o *Owned) Borrow() Borrowed {
	return Borrowed{fd: o.fd}
}

// Take releases ownership of the underlying fd and returns its raw
// number; o no longer owns anything and Close becomes a no-op.
func (o *Owned) Take() int {
	raw := o.fd
	o.fd = Invalid
	return raw
}

// Close closes the owned fd, if any, exactly once.
func (o *Owned) Close() error {
	if !o.Valid() {
		return nil
	}
	raw := o.Take()
	if err := unix.Close(raw); err != nil {
		return errors.Wrapf(err, "closing fd %d", raw)
	}
	return nil
}

// Borrowed is a non-owning view of a file descriptor. It is safe to copy
// by value and pass around, but it must never be closed and must not
// outlive whatever owns the underlying fd.
type Borrowed struct {
	fd int
}

// NewBorrowed wraps a raw fd number without taking ownership of it.
func NewBorrowed(raw int) Borrowed {
	return Borrowed{fd: raw}
}

// Valid reports whether b refers to a non-negative fd.
func (b Borrowed) Valid() bool {
	return b.fd > Invalid
}

// Int returns the raw fd number.
func (b Borrowed) Int() int {
	return b.fd
}

// Dup duplicates the borrowed fd into a new Owned fd that the caller
// exclusively owns, using F_DUPFD_CLOEXEC so the duplicate never leaks
// across exec.
func (b Borrowed) Dup() (Owned, error) {
	if !b.Valid() {
		return Owned{fd: Invalid}, nil
	}
	raw, err := unix.FcntlInt(uintptr(b.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return Owned{}, errors.Wrapf(err, "dup fd %d", b.fd)
	}
	return Owned{fd: int(raw)}, nil
}
