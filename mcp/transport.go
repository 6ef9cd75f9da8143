package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// maxFrameSize bounds a single NDJSON frame from the subprocess.
const maxFrameSize = 16 * 1024 * 1024

// StdioTransport owns the subprocess and frames protocol messages over its
// stdin/stdout as newline-delimited JSON. Stderr is drained and logged but
// never parsed as protocol data.
type StdioTransport struct {
	log         *zap.SugaredLogger
	command     string
	args        []string
	env         []string
	gracePeriod time.Duration

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	inbound chan Message

	tapMu sync.Mutex
	taps  map[chan string]struct{}

	// exited is closed once the subprocess has been reaped.
	exited   chan struct{}
	stopOnce sync.Once

	pipeWG sync.WaitGroup
}

type TransportOption func(t *StdioTransport)

func WithTransportLogger(l *zap.SugaredLogger) TransportOption {
	return func(t *StdioTransport) {
		t.log = l.Named("transport")
	}
}

// WithGracePeriod sets how long Stop waits for the subprocess to exit after a
// termination signal before force-killing it.
func WithGracePeriod(d time.Duration) TransportOption {
	return func(t *StdioTransport) {
		t.gracePeriod = d
	}
}

// NewStdioTransport builds a transport for the given command. The provided
// environment is passed to the subprocess verbatim; a nil env inherits the
// parent environment.
func NewStdioTransport(command string, args, env []string, opts ...TransportOption) *StdioTransport {
	t := &StdioTransport{
		log:         zap.NewNop().Sugar(),
		command:     command,
		args:        args,
		env:         env,
		gracePeriod: 5 * time.Second,
		inbound:     make(chan Message),
		taps:        map[chan string]struct{}{},
		exited:      make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start spawns the subprocess and begins reading its output streams. It
// returns a *SpawnError if the executable cannot be launched.
func (t *StdioTransport) Start() error {
	cmd := exec.Command(t.command, t.args...)
	if t.env != nil {
		cmd.Env = t.env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Command: t.command, Err: fmt.Errorf("opening stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Command: t.command, Err: fmt.Errorf("opening stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SpawnError{Command: t.command, Err: fmt.Errorf("opening stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &SpawnError{Command: t.command, Err: err}
	}
	t.cmd = cmd
	t.stdin = stdin
	t.log.Debugf("spawned %q with pid %d", t.command, cmd.Process.Pid)

	t.pipeWG.Add(2)
	go t.readMessages(stdout)
	go t.drainStderr(stderr)
	go t.reap()

	return nil
}

// Send writes one framed message to the subprocess's stdin. Messages sent by
// concurrent callers are serialized, preserving issue order on the wire.
func (t *StdioTransport) Send(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	b = append(b, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.exited:
		return ErrTransportClosed
	default:
	}

	if _, err := t.stdin.Write(b); err != nil {
		t.log.Debugf("stdin write error: %s", err)
		return ErrTransportClosed
	}
	return nil
}

// Receive returns the channel of inbound framed messages. The channel is
// closed when the subprocess's stdout reaches EOF or a read error occurs.
// Callers must drain it; nothing is buffered on their behalf.
func (t *StdioTransport) Receive() <-chan Message {
	return t.inbound
}

// Stop terminates the subprocess: it signals SIGTERM, waits up to the grace
// period, and force-kills if the process is still running. Stop is idempotent
// and safe to call concurrently; every caller blocks until the process has
// been reaped.
func (t *StdioTransport) Stop() error {
	t.stopOnce.Do(func() {
		if t.cmd == nil || t.cmd.Process == nil {
			close(t.exited)
			return
		}
		t.log.Debugf("sending SIGTERM to pid %d", t.cmd.Process.Pid)
		if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			t.log.Debugf("SIGTERM error: %s", err)
		}
		select {
		case <-t.exited:
		case <-time.After(t.gracePeriod):
			t.log.Warnf("subprocess did not exit within %s, killing", t.gracePeriod)
			if err := t.cmd.Process.Kill(); err != nil {
				t.log.Debugf("kill error: %s", err)
			}
		}
	})
	<-t.exited
	return nil
}

// Tap subscribes to the subprocess's stderr lines. The returned cancel func
// removes the subscription. Lines are dropped for subscribers that fall
// behind; stderr is diagnostic output, not protocol data.
func (t *StdioTransport) Tap() (<-chan string, func()) {
	ch := make(chan string, 64)
	t.tapMu.Lock()
	t.taps[ch] = struct{}{}
	t.tapMu.Unlock()
	cancel := func() {
		t.tapMu.Lock()
		delete(t.taps, ch)
		t.tapMu.Unlock()
	}
	return ch, cancel
}

func (t *StdioTransport) readMessages(stdout io.Reader) {
	defer t.pipeWG.Done()
	defer close(t.inbound)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.log.Debugf("dropping unparseable frame: %s", err)
			continue
		}
		t.inbound <- msg
	}
	if err := scanner.Err(); err != nil {
		t.log.Debugf("stdout read error: %s", err)
	}
	t.log.Debug("stdout closed")
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	defer t.pipeWG.Done()

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Text()
		t.log.Debugf("server stderr: %s", line)

		t.tapMu.Lock()
		for ch := range t.taps {
			select {
			case ch <- line:
			default:
			}
		}
		t.tapMu.Unlock()
	}
}

// reap waits for both pipe readers to finish, then collects the subprocess
// exit status. Wait must not run concurrently with pipe reads.
func (t *StdioTransport) reap() {
	t.pipeWG.Wait()
	err := t.cmd.Wait()
	if err != nil {
		t.log.Infof("subprocess exited: %s", err)
	} else {
		t.log.Debug("subprocess exited cleanly")
	}
	close(t.exited)
}
