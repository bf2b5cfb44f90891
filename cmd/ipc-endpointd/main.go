// Command ipc-endpointd is a small demo host for the ipc-endpoint
// library: it wires up one Endpoint, a trivial ping service, and a
// local stand-in for the out-of-scope client-side channel manager, so
// every component the library describes has at least one concrete,
// runnable instantiation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kubeslice/ipc-endpoint/internal/ipc/endpoint"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/fd"
	"github.com/kubeslice/ipc-endpoint/internal/ipc/message"
)

// OpPing is the demo service's only opcode: it echoes the request
// payload back uppercased.
const OpPing int32 = 42

// Config is read from the environment with prefix IPC_ENDPOINTD.
type Config struct {
	SocketPath string `default:"/tmp/ipc-endpointd.sock" desc:"UDS path the endpoint listens on"`
	Blocking   bool   `default:"true" desc:"whether MessageReceive blocks waiting for work"`
}

func main() {
	logrus.SetFormatter(&nested.Formatter{})
	logrus.SetLevel(logrus.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logrus.Infof("executing phase 1: getting config from environment")
	var cfg Config
	if err := envconfig.Usage("ipc_endpointd", &cfg); err != nil {
		logrus.Fatalf("error getting usage: %+v", err)
	}
	if err := envconfig.Process("ipc_endpointd", &cfg); err != nil {
		logrus.Fatalf("error processing config from env: %+v", err)
	}
	logrus.Infof("config: %+v", cfg)

	logrus.Infof("executing phase 2: constructing the endpoint")
	mgr := newLocalChannelManager()
	svc := &pingService{}
	ep, err := endpoint.New(endpoint.Config{
		Path:           cfg.SocketPath,
		Blocking:       cfg.Blocking,
		ChannelManager: mgr,
		Service:        svc,
	})
	if err != nil {
		logrus.Fatalf("constructing endpoint is fatal, aborting: %+v", err)
	}

	logrus.Infof("executing phase 3: serving on %s", cfg.SocketPath)
	go func() {
		<-ctx.Done()
		logrus.Infof("shutdown requested, cancelling endpoint")
		if err := ep.Cancel(); err != nil {
			logrus.Errorf("error cancelling endpoint: %+v", err)
		}
	}()

	if err := serve(ep, svc); err != nil {
		logrus.Fatalf("serve loop exited with error: %+v", err)
	}
	logrus.Infof("shut down cleanly")
}

// serve runs the dispatch loop until the endpoint is cancelled.
func serve(ep *endpoint.Endpoint, svc *pingService) error {
	for {
		msg, err := ep.MessageReceive()
		if err != nil {
			if errors.Is(err, unix.ESHUTDOWN) {
				return nil
			}
			return err
		}
		if err := svc.handle(ep, msg); err != nil {
			logrus.Errorf("error handling message op=%d channel=%d: %+v", msg.Op, msg.ChannelID, err)
		}
	}
}

// pingService is the demo's only service object: it opens channels
// unconditionally and echoes OpPing payloads uppercased.
type pingService struct{}

func (s *pingService) handle(ep *endpoint.Endpoint, msg *message.Message) error {
	switch msg.Op {
	case endpoint.OpChannelOpen, endpoint.OpChannelClose:
		return ep.MessageReply(msg, 0)
	case OpPing:
		buf := make([]byte, 4096)
		var upper []byte
		for {
			n := msg.State.ReadMessageData(buf)
			if n == 0 {
				break
			}
			for i := 0; i < n; i++ {
				c := buf[i]
				if c >= 'a' && c <= 'z' {
					c -= 'a' - 'A'
				}
				upper = append(upper, c)
			}
		}
		msg.State.WriteMessageData(upper)
		return ep.MessageReply(msg, 0)
	default:
		return ep.MessageReply(msg, int32(unix.EINVAL))
	}
}

// localChannelManager is a process-local stand-in for the client-side
// channel-manager registry, which lives outside this repository.
type localChannelManager struct {
	next     int
	byHandle map[interface{}][2]int
}

func newLocalChannelManager() *localChannelManager {
	return &localChannelManager{byHandle: map[interface{}][2]int{}}
}

func (m *localChannelManager) Register(dataFd, eventFd fd.Owned) message.LocalChannelHandle {
	m.next++
	h := fmt.Sprintf("channel-%d", m.next)
	m.byHandle[h] = [2]int{dataFd.Int(), eventFd.Int()}
	return h
}

func (m *localChannelManager) Resolve(handle message.LocalChannelHandle) (fd.Borrowed, fd.Borrowed, bool) {
	pair, ok := m.byHandle[handle]
	if !ok {
		return fd.Borrowed{}, fd.Borrowed{}, false
	}
	return fd.NewBorrowed(pair[0]), fd.NewBorrowed(pair[1]), true
}
