package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport is the framed channel the client speaks over. Implemented by
// StdioTransport; tests substitute an in-process fake.
type Transport interface {
	Send(msg any) error
	Receive() <-chan Message
	Stop() error
}

type callOutcome struct {
	result json.RawMessage
	rpcErr *RPCError
	err    error
}

// Client implements the handshake and request/response correlation on top of
// a Transport. One Client is shared by all concurrent callers; the pending
// map is the only synchronized state.
type Client struct {
	log              *zap.SugaredLogger
	tr               Transport
	name             string
	version          string
	callTimeout      time.Duration
	handshakeTimeout time.Duration

	mu        sync.Mutex
	pending   map[string]chan callOutcome
	tools     []Tool
	toolNames map[string]struct{}
	closed    bool

	closeOnce    sync.Once
	dispatchOnce sync.Once

	// done is closed when the dispatch loop exits, i.e. the transport died
	// or the client was closed.
	done chan struct{}
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.log = l.Named("client")
	}
}

// WithCallTimeout sets the default maximum wait for a tool response.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithHandshakeTimeout bounds the initialize exchange during Connect.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

// WithClientInfo sets the name and version advertised during the handshake.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.name = name
		c.version = version
	}
}

func NewClient(tr Transport, opts ...ClientOption) *Client {
	c := &Client{
		log:              zap.NewNop().Sugar(),
		tr:               tr,
		name:             "restmcp",
		version:          "0.1.0",
		callTimeout:      30 * time.Second,
		handshakeTimeout: 10 * time.Second,
		pending:          map[string]chan callOutcome{},
		toolNames:        map[string]struct{}{},
		done:             make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect performs the initialization handshake and populates the capability
// cache. No tool call is permitted before it completes. Failures are
// reported as *HandshakeError.
func (c *Client) Connect(ctx context.Context) error {
	c.dispatchOnce.Do(func() { go c.dispatch() })

	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	out, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: supportedProtocolVersions[0],
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: c.name, Version: c.version},
	})
	if err != nil {
		return &HandshakeError{Reason: "initialize request failed", Err: err}
	}
	if out.rpcErr != nil {
		return &HandshakeError{Reason: fmt.Sprintf("initialize rejected: %s", out.rpcErr.Message)}
	}
	var init initializeResult
	if err := json.Unmarshal(out.result, &init); err != nil {
		return &HandshakeError{Reason: "decoding initialize result", Err: err}
	}
	if !versionSupported(init.ProtocolVersion) {
		return &HandshakeError{Reason: fmt.Sprintf("unsupported protocol version %q", init.ProtocolVersion)}
	}
	c.log.Debugf("handshake complete with %s %s (protocol %s)", init.ServerInfo.Name, init.ServerInfo.Version, init.ProtocolVersion)

	if err := c.tr.Send(request{JSONRPC: jsonRPCVersion, Method: "notifications/initialized"}); err != nil {
		return &HandshakeError{Reason: "sending initialized notification", Err: err}
	}

	out, err = c.call(ctx, "tools/list", nil)
	if err != nil {
		return &HandshakeError{Reason: "listing tools", Err: err}
	}
	if out.rpcErr != nil {
		return &HandshakeError{Reason: fmt.Sprintf("tools/list rejected: %s", out.rpcErr.Message)}
	}
	var list toolsListResult
	if err := json.Unmarshal(out.result, &list); err != nil {
		return &HandshakeError{Reason: "decoding tools/list result", Err: err}
	}

	c.mu.Lock()
	c.tools = list.Tools
	c.toolNames = make(map[string]struct{}, len(list.Tools))
	for _, t := range list.Tools {
		c.toolNames[t.Name] = struct{}{}
	}
	c.mu.Unlock()
	c.log.Infof("connected, server offers %d tools", len(list.Tools))

	return nil
}

// Tools returns the capability snapshot fetched during Connect. It never
// re-queries the subprocess.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Call invokes the named tool and waits for its response, without blocking
// other concurrent callers. The result payload is returned verbatim. A name
// outside the capability set fails with *UnknownToolError before anything is
// sent on the wire.
func (c *Client) Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	_, known := c.toolNames[name]
	c.mu.Unlock()
	if !known {
		return nil, &UnknownToolError{Name: name}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	out, err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if out.rpcErr != nil {
		return nil, &ToolInvocationError{Name: name, Code: out.rpcErr.Code, Message: out.rpcErr.Message}
	}
	return out.result, nil
}

// Close resolves all still-pending calls with ErrTransportClosed, then stops
// the transport. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.failPending(ErrTransportClosed)
		if err := c.tr.Stop(); err != nil {
			c.log.Debugf("transport stop error: %s", err)
		}
	})
	return nil
}

// Done is closed once the dispatch loop has exited: the transport terminated
// and no further responses will arrive.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// call registers a pending call, sends the request, and suspends the caller
// until the matching response arrives or ctx expires.
func (c *Client) call(ctx context.Context, method string, params any) (callOutcome, error) {
	id := uuid.NewString()
	ch := make(chan callOutcome, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return callOutcome{}, ErrTransportClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}
	if err := c.tr.Send(req); err != nil {
		c.take(id)
		return callOutcome{}, err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return callOutcome{}, out.err
		}
		return out, nil
	case <-ctx.Done():
		// Fire-and-forget on the wire: the request is not retracted, but
		// the pending slot is removed so a late response is dropped.
		c.take(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return callOutcome{}, ErrCallTimeout
		}
		return callOutcome{}, ctx.Err()
	}
}

// dispatch demultiplexes inbound messages to pending calls. It exits when
// the transport's receive channel closes, failing whatever is still pending.
func (c *Client) dispatch() {
	defer close(c.done)

	for msg := range c.tr.Receive() {
		if msg.Method != "" {
			// Server-initiated request or notification; this bridge does
			// not service any.
			c.log.Debugf("ignoring server message %q", msg.Method)
			continue
		}
		id, ok := msg.ID.(string)
		if !ok {
			c.log.Debugf("dropping response with non-string id %v", msg.ID)
			continue
		}
		ch, ok := c.take(id)
		if !ok {
			c.log.Debugf("dropping response with unmatched id %q", id)
			continue
		}
		ch <- callOutcome{result: msg.Result, rpcErr: msg.Error}
	}

	c.log.Debug("transport closed, failing pending calls")
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.failPending(ErrTransportClosed)
}

// take removes and returns the pending slot for id, guaranteeing each call
// is resolved at most once.
func (c *Client) take(id string) (chan callOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return ch, ok
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[string]chan callOutcome{}
	c.mu.Unlock()
	for id, ch := range pending {
		c.log.Debugf("failing pending call %s: %s", id, err)
		ch <- callOutcome{err: err}
	}
}

func versionSupported(v string) bool {
	for _, s := range supportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}
