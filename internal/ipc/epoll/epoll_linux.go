//go:build linux

// Package epoll wraps the one-shot, level-triggered readiness set this
// endpoint is built around: epoll_create1/epoll_ctl/epoll_wait via
// golang.org/x/sys/unix. The Linux/non-Linux split here mirrors the
// vendored grpcfd package's own connwrap_linux.go/connwrap_notlinux.go
// convention — this whole substrate (epoll, eventfd, SO_PASSCRED,
// SCM_CREDENTIALS) only exists on Linux, so the split says so plainly
// instead of pretending portability.
package epoll

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
)

// Event is one readiness notification: the fd it concerns and the
// epoll flags that fired.
type Event struct {
	Fd    int
	Flags uint32
}

// Set is a one-shot readiness set. The zero value is not usable; build
// one with New.
type Set struct {
	epfd fd.Owned
}

// New creates an empty readiness set.
func New() (*Set, error) {
	raw, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Set{epfd: fd.NewOwned(raw)}, nil
}

// AddOneShot registers rawFd for events, one-shot: after one event
// fires, rawFd produces no further events until Rearm.
func (s *Set) AddOneShot(rawFd int, events uint32) error {
	return s.ctl(unix.EPOLL_CTL_ADD, rawFd, events|unix.EPOLLONESHOT)
}

// AddPersistent registers rawFd for events without one-shot: used only
// for the cancellation eventfd, which must keep firing until the
// process using it drains it.
func (s *Set) AddPersistent(rawFd int, events uint32) error {
	return s.ctl(unix.EPOLL_CTL_ADD, rawFd, events)
}

// Rearm re-arms a one-shot registration for another single event. This
// is the only operation that may resurrect an fd in the set; nothing
// else adds the same fd twice.
func (s *Set) Rearm(rawFd int, events uint32) error {
	return s.ctl(unix.EPOLL_CTL_MOD, rawFd, events|unix.EPOLLONESHOT)
}

// Remove deregisters rawFd entirely.
func (s *Set) Remove(rawFd int) error {
	if err := unix.EpollCtl(s.epfd.Int(), unix.EPOLL_CTL_DEL, rawFd, nil); err != nil {
		return errors.Wrapf(err, "epoll_ctl(DEL, %d)", rawFd)
	}
	return nil
}

func (s *Set) ctl(op int, rawFd int, events uint32) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(rawFd)}
	if err := unix.EpollCtl(s.epfd.Int(), op, rawFd, ev); err != nil {
		return errors.Wrapf(err, "epoll_ctl(op=%d, fd=%d)", op, rawFd)
	}
	return nil
}

// Wait blocks until exactly one event is ready (or timeoutMs elapses,
// for timeoutMs >= 0) and returns it. A timeout is reported as
// unix.ETIMEDOUT, matching the endpoint's non-blocking receive
// contract.
func (s *Set) Wait(timeoutMs int) (Event, error) {
	var buf [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(s.epfd.Int(), buf[:], timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Event{}, errors.Wrap(err, "epoll_wait")
		}
		if n == 0 {
			return Event{}, unix.ETIMEDOUT
		}
		return Event{Fd: int(buf[0].Fd), Flags: buf[0].Events}, nil
	}
}

// Close releases the underlying epoll fd.
func (s *Set) Close() error {
	return s.epfd.Close()
}
