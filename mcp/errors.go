package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned when the channel to the subprocess has
	// terminated, either because it was stopped or because the subprocess
	// exited. In-flight calls are failed with it exactly once.
	ErrTransportClosed = errors.New("transport closed")

	// ErrCallTimeout is returned when no response arrived within the call's
	// wait bound. The request is not retracted on the wire.
	ErrCallTimeout = errors.New("timed out waiting for tool response")
)

// SpawnError indicates the subprocess could not be launched. Fatal at startup.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// HandshakeError indicates protocol negotiation with the subprocess failed.
// Fatal at startup.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// UnknownToolError indicates the requested tool is not in the capability set.
// Detected before anything is sent on the wire.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ToolInvocationError carries a business failure reported by the subprocess
// for a specific call.
type ToolInvocationError struct {
	Name    string
	Code    int
	Message string
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.Name, e.Message)
}
