//go:build !linux && unix

package epoll

import "golang.org/x/sys/unix"

// Event mirrors the Linux Event shape so callers can compile on other
// platforms; it is never populated here.
type Event struct {
	Fd    int
	Flags uint32
}

// Set is a stub on non-Linux unix platforms: this IPC substrate is
// inherently Linux-only (epoll, eventfd, SO_PASSCRED, SCM_CREDENTIALS).
// Non-unix platforms (windows, js, plan9, ...) have no unix.ENOTSUP to
// report and get their own stub in epoll_unsupported.go; this file only covers the
// other unix-like GOOS values, where the error kind stays consistent
// with the rest of the tree.
type Set struct{}

var errUnsupported = unix.ENOTSUP

func New() (*Set, error)                       { return nil, errUnsupported }
func (s *Set) AddOneShot(int, uint32) error    { return errUnsupported }
func (s *Set) AddPersistent(int, uint32) error { return errUnsupported }
func (s *Set) Rearm(int, uint32) error         { return errUnsupported }
func (s *Set) Remove(int) error                { return errUnsupported }
func (s *Set) Wait(int) (Event, error)         { return Event{}, errUnsupported }
func (s *Set) Close() error                    { return errUnsupported }
