// Package endpoint implements the server-side half of the IPC
// substrate: the connection/channel table, the readiness-driven
// dispatch loop with one-shot rearming, and the reply path that
// assembles response frames and rearms a channel's readiness.
package endpoint

import (
	"encoding/binary"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/channel"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/epoll"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/message"
)

// Well-known opcodes. Every other int32 value is opaque to the
// endpoint and interpreted by the service.
const (
	OpChannelOpen  int32 = 0
	OpChannelClose int32 = 1
)

// initFdPrefix is the path prefix that selects "adopt a pre-created
// listening fd" instead of bind/listen. This is the same convention
// Android's init hands sockets to services it spawns under: the fd
// number is looked up from an ANDROID_SOCKET_<name> environment
// variable, where <name> is the path's suffix.
const initFdPrefix = "/dev/socket/"

const listenBacklog = 1

const readyEvents = unix.EPOLLIN | unix.EPOLLRDHUP

// Config configures a new Endpoint. All fields are required except
// Blocking and Service.
type Config struct {
	// Path is the absolute UDS path to bind and listen on, or, if it
	// begins with /dev/socket/, the name of a pre-created listening
	// fd to adopt from the environment.
	Path string

	// Blocking selects MessageReceive's wait behavior: if false, a
	// call with nothing ready returns unix.ETIMEDOUT immediately
	// instead of blocking.
	Blocking bool

	// ChannelManager is the client-side channel registry this
	// endpoint consults when resolving or minting LocalChannelHandle
	// values. It is an external collaborator this repository does
	// not implement; tests inject a fake.
	ChannelManager message.ChannelManager

	// Service is a non-owning reference to the opaque service object
	// this endpoint was constructed for. The endpoint never calls
	// into it; it is kept only so callers (and CheckChannel, should
	// its contract ever be specified) can reach it via Service().
	Service interface{}
}

// Endpoint is the server-side connection/channel table plus its
// readiness-driven dispatch loop. Construction failure is always
// fatal: New returns a non-nil error instead of a partially built
// Endpoint, and every caller must treat that error as unrecoverable
// (abort, don't retry or run degraded) rather than the Endpoint
// calling os.Exit itself.
type Endpoint struct {
	path     string
	listenFd fd.Owned
	cancelFd fd.Owned
	epollSet *epoll.Set
	table    *channel.Table

	channelMgr message.ChannelManager
	service    interface{}
	blocking   bool

	nextMessageID int64
}

// New constructs an Endpoint: it obtains the listening socket (by
// creating one or adopting an init-provided fd), listens, creates the
// cancellation eventfd, creates the readiness set, and registers the
// listening fd (one-shot) and the cancel fd (persistent).
func New(cfg Config) (*Endpoint, error) {
	if cfg.ChannelManager == nil {
		return nil, errors.New("endpoint: Config.ChannelManager is required")
	}

	listenFd, err := obtainListenFd(cfg.Path)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			listenFd.Close()
		}
	}()

	if err := unix.Listen(listenFd.Int(), listenBacklog); err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	cancelRaw, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "creating cancellation eventfd")
	}
	cancelFd := fd.NewOwned(cancelRaw)
	defer func() {
		if !ok {
			cancelFd.Close()
		}
	}()

	epollSet, err := epoll.New()
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			epollSet.Close()
		}
	}()

	if err := epollSet.AddOneShot(listenFd.Int(), readyEvents); err != nil {
		return nil, err
	}
	if err := epollSet.AddPersistent(cancelFd.Int(), unix.EPOLLIN); err != nil {
		return nil, err
	}

	ok = true
	return &Endpoint{
		path:       cfg.Path,
		listenFd:   listenFd,
		cancelFd:   cancelFd,
		epollSet:   epollSet,
		table:      channel.NewTable(),
		channelMgr: cfg.ChannelManager,
		service:    cfg.Service,
		blocking:   cfg.Blocking,
	}, nil
}

// Service returns the opaque service reference this Endpoint was
// constructed with.
func (e *Endpoint) Service() interface{} {
	return e.service
}

// Path returns the UDS path this Endpoint was constructed with.
func (e *Endpoint) Path() string {
	return e.path
}

func obtainListenFd(path string) (fd.Owned, error) {
	if strings.HasPrefix(path, initFdPrefix) {
		return adoptInitFd(strings.TrimPrefix(path, initFdPrefix))
	}

	raw, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fd.NewOwned(fd.Invalid), errors.Wrap(err, "creating listening socket")
	}
	owned := fd.NewOwned(raw)

	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		owned.Close()
		return fd.NewOwned(fd.Invalid), errors.Wrapf(err, "unlinking stale socket path %q", path)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(raw, addr); err != nil {
		owned.Close()
		return fd.NewOwned(fd.Invalid), errors.Wrapf(err, "binding to %q", path)
	}
	return owned, nil
}

func adoptInitFd(name string) (fd.Owned, error) {
	envVar := "ANDROID_SOCKET_" + name
	val := os.Getenv(envVar)
	if val == "" {
		return fd.NewOwned(fd.Invalid), errors.Errorf("no init-provided fd: %s is not set", envVar)
	}
	raw, err := strconv.Atoi(val)
	if err != nil {
		return fd.NewOwned(fd.Invalid), errors.Wrapf(err, "parsing %s", envVar)
	}
	return fd.NewOwned(raw), nil
}

// AcceptConnection accepts one pending connection, registers it as a
// new channel, and immediately attempts to read its first frame — by
// convention the new channel's CHANNEL_OPEN request — so that frame is
// surfaced to the service as part of the same event that signalled the
// new connection.
func (e *Endpoint) AcceptConnection() (*message.Message, error) {
	raw, _, err := unix.Accept4(e.listenFd.Int(), unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "accept4")
	}
	owned := fd.NewOwned(raw)

	if err := unix.SetsockoptInt(raw, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		owned.Close()
		return nil, errors.Wrap(err, "enabling SO_PASSCRED")
	}

	events, err := channel.NewEventSet()
	if err != nil {
		owned.Close()
		return nil, err
	}

	id, _ := e.table.Insert(owned, events, nil)
	if err := e.epollSet.AddOneShot(raw, readyEvents); err != nil {
		e.closeChannel(id)
		return nil, err
	}

	return e.receiveForChannel(id)
}

// PushChannel creates a socketpair, registers the server-side half as
// a new channel, and pushes a reference to the client-side half plus
// the new channel's event fd into msg's outgoing channel-info list.
// flags is accepted but unused, matching the source's own unused
// PushChannel flags parameter.
func (e *Endpoint) PushChannel(msg *message.Message, flags int32) (message.ChannelReference, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrap(err, "socketpair")
	}
	serverRaw, clientRaw := pair[0], pair[1]
	clientOwned := fd.NewOwned(clientRaw)

	if err := unix.SetsockoptInt(serverRaw, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(serverRaw)
		clientOwned.Close()
		return 0, errors.Wrap(err, "enabling SO_PASSCRED")
	}

	events, err := channel.NewEventSet()
	if err != nil {
		unix.Close(serverRaw)
		clientOwned.Close()
		return 0, err
	}

	id, data := e.table.Insert(fd.NewOwned(serverRaw), events, nil)
	if err := e.epollSet.AddOneShot(serverRaw, readyEvents); err != nil {
		e.closeChannel(id)
		clientOwned.Close()
		return 0, err
	}

	ref := msg.State.PushChannelHandleRaw(clientOwned.Borrow(), data.Events.Fd())
	// The kernel only duplicates clientRaw into the peer's fd table
	// when the reply is actually sent; keep it alive until then.
	msg.State.Hold(clientOwned)
	return ref, nil
}

// Cancel causes any MessageReceive call, in progress or future, to
// return unix.ESHUTDOWN. The source never drains the cancellation
// eventfd between cancellations, so once Cancel has been called,
// MessageReceive keeps returning ESHUTDOWN forever unless some
// external party reads the eventfd back down to zero; this behaviour
// is preserved exactly, not worked around.
func (e *Endpoint) Cancel() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(e.cancelFd.Int(), buf[:]); err != nil {
		return errors.Wrap(err, "writing to cancellation eventfd")
	}
	return nil
}

// CheckChannel is unimplemented, matching the source: its intended
// contract was never specified there either.
func (e *Endpoint) CheckChannel(id channel.ID) error {
	return unix.EFAULT
}

func (e *Endpoint) closeChannel(id channel.ID) error {
	data, ok := e.table.Remove(id)
	if !ok {
		return nil
	}
	_ = e.epollSet.Remove(data.DataFd.Int())
	if err := data.Close(); err != nil {
		logrus.Errorf("error closing channel %d: %+v", id, err)
		return err
	}
	return nil
}

func (e *Endpoint) allocateMessageID() int64 {
	return atomic.AddInt64(&e.nextMessageID, 1)
}
