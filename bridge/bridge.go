// Package bridge holds the single shared protocol client exposed to the HTTP
// boundary and manages its lifecycle from process start to shutdown.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/restmcp/restmcp/mcp"
	"go.uber.org/zap"
)

// ErrNotReady is returned for calls made while the service is not in the
// Ready state. The gateway translates it to a 503 response.
var ErrNotReady = errors.New("bridge not ready")

// State is the connection state of the bridged subprocess channel.
type State int

const (
	Uninitialized State = iota
	Connecting
	Ready
	// Degraded is entered when the transport dies after startup. It is
	// terminal until an operator restarts the process; no automatic
	// reconnect is attempted.
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ProtocolClient is the part of the mcp client the service relies on.
type ProtocolClient interface {
	Connect(ctx context.Context) error
	Tools() []mcp.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	Close() error
	Done() <-chan struct{}
}

// Service owns one ProtocolClient instance shared by all HTTP requests.
type Service struct {
	log    *zap.SugaredLogger
	client ProtocolClient

	mu    sync.Mutex
	state State

	shutdownOnce sync.Once
}

type Option func(s *Service)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		s.log = l.Named("bridge")
	}
}

func New(client ProtocolClient, opts ...Option) *Service {
	s := &Service{
		log:    zap.NewNop().Sugar(),
		client: client,
		state:  Uninitialized,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Initialize runs the protocol handshake to completion. It must finish before
// the HTTP listener accepts traffic; a failure here is fatal to startup and
// is returned to the caller rather than producing a degraded start.
func (s *Service) Initialize(ctx context.Context) error {
	s.setState(Connecting)
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	s.setState(Ready)
	s.log.Info("bridge ready")

	go s.watch()
	return nil
}

// watch marks the service degraded when the client's dispatch loop exits
// outside of an orderly shutdown.
func (s *Service) watch() {
	<-s.client.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Ready {
		s.state = Degraded
		s.log.Warn("subprocess channel died, bridge degraded until restart")
	}
}

// Ready reports whether tool calls are currently serviceable.
func (s *Service) Ready() bool {
	return s.State() == Ready
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tools returns the cached capability descriptors.
func (s *Service) Tools() []mcp.Tool {
	return s.client.Tools()
}

// Call forwards a tool invocation to the protocol client. Calls made while
// not Ready fail with ErrNotReady instead of blocking.
func (s *Service) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	return s.client.Call(ctx, name, args)
}

// Shutdown closes the protocol client and stops the subprocess. Concurrent
// and repeated invocations are safe no-ops.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.setState(Closed)
		s.log.Info("shutting down bridge")
		if err := s.client.Close(); err != nil {
			s.log.Debugf("client close error: %s", err)
		}
	})
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
