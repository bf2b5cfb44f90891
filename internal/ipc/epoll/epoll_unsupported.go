//go:build !linux && !unix

package epoll

import "errors"

// Event mirrors the Linux Event shape so callers can compile on other
// platforms; it is never populated here.
type Event struct {
	Fd    int
	Flags uint32
}

// Set is a stub on platforms with no unix errno space at all (windows,
// js, plan9, ...): this IPC substrate is inherently Linux-only (epoll,
// eventfd, SO_PASSCRED, SCM_CREDENTIALS).
type Set struct{}

var errUnsupported = errors.New("epoll: not supported on this platform")

func New() (*Set, error)                       { return nil, errUnsupported }
func (s *Set) AddOneShot(int, uint32) error    { return errUnsupported }
func (s *Set) AddPersistent(int, uint32) error { return errUnsupported }
func (s *Set) Rearm(int, uint32) error         { return errUnsupported }
func (s *Set) Remove(int) error                { return errUnsupported }
func (s *Set) Wait(int) (Event, error)         { return Event{}, errUnsupported }
func (s *Set) Close() error                    { return errUnsupported }
