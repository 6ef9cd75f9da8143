package mcp

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, tr *StdioTransport) Message {
	t.Helper()
	select {
	case msg, ok := <-tr.Receive():
		require.True(t, ok, "receive channel closed unexpectedly")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Message{}
	}
}

func TestTransportEchoesFrames(t *testing.T) {
	tr := NewStdioTransport("cat", nil, nil)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	require.NoError(t, tr.Send(request{JSONRPC: jsonRPCVersion, ID: "abc", Method: "ping"}))

	msg := recvOne(t, tr)
	assert.Equal(t, "ping", msg.Method)
	assert.Equal(t, "abc", msg.ID)
}

func TestTransportPreservesSendOrder(t *testing.T) {
	tr := NewStdioTransport("cat", nil, nil)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Send(request{JSONRPC: jsonRPCVersion, ID: fmt.Sprintf("id-%d", i), Method: "ping"}))
	}
	for i := 0; i < 10; i++ {
		msg := recvOne(t, tr)
		assert.Equal(t, fmt.Sprintf("id-%d", i), msg.ID)
	}
}

func TestTransportSpawnError(t *testing.T) {
	tr := NewStdioTransport("definitely-not-a-real-binary-1b2f", nil, nil)
	err := tr.Start()
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "definitely-not-a-real-binary-1b2f", spawnErr.Command)
}

func TestTransportReceiveClosesOnExit(t *testing.T) {
	tr := NewStdioTransport("true", nil, nil)
	require.NoError(t, tr.Start())

	select {
	case _, ok := <-tr.Receive():
		require.False(t, ok, "expected receive channel to close")
	case <-time.After(5 * time.Second):
		t.Fatal("receive channel did not close after subprocess exit")
	}

	require.NoError(t, tr.Stop())
	require.ErrorIs(t, tr.Send(request{JSONRPC: jsonRPCVersion, Method: "ping"}), ErrTransportClosed)
}

func TestTransportStopIdempotent(t *testing.T) {
	tr := NewStdioTransport("cat", nil, nil)
	require.NoError(t, tr.Start())

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())

	done := make(chan error, 2)
	go func() { done <- tr.Stop() }()
	go func() { done <- tr.Stop() }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent Stop did not return")
		}
	}
}

func TestTransportKillsStubbornProcess(t *testing.T) {
	tr := NewStdioTransport("sh", []string{"-c", `trap "" TERM; echo '{"id":"ready"}'; while read line; do :; done`}, nil,
		WithGracePeriod(100*time.Millisecond),
	)
	require.NoError(t, tr.Start())

	// Wait for the subprocess to report that the TERM trap is installed;
	// otherwise Stop's SIGTERM can race the trap and kill it immediately.
	msg := recvOne(t, tr)
	require.Equal(t, "ready", msg.ID)

	start := time.Now()
	require.NoError(t, tr.Stop())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.ErrorIs(t, tr.Send(request{JSONRPC: jsonRPCVersion, Method: "ping"}), ErrTransportClosed)
}

func TestTransportStderrTapped(t *testing.T) {
	tr := NewStdioTransport("sh", []string{"-c", `printf 'one\ntwo\n' 1>&2; exec cat`}, nil)
	lines, cancel := tr.Tap()
	defer cancel()
	require.NoError(t, tr.Start())
	defer tr.Stop()

	var got []string
	for len(got) < 2 {
		select {
		case line := <-lines:
			got = append(got, line)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for stderr lines, got %v", got)
		}
	}
	assert.Equal(t, []string{"one", "two"}, got)

	// stderr must never surface as protocol data
	require.NoError(t, tr.Send(request{JSONRPC: jsonRPCVersion, ID: "1", Method: "ping"}))
	msg := recvOne(t, tr)
	assert.Equal(t, "1", msg.ID)
}

func TestTransportDropsUnparseableFrames(t *testing.T) {
	tr := NewStdioTransport("sh", []string{"-c", `echo 'not json at all'; exec cat`}, nil)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	require.NoError(t, tr.Send(request{JSONRPC: jsonRPCVersion, ID: "after-garbage", Method: "ping"}))
	msg := recvOne(t, tr)
	assert.Equal(t, "after-garbage", msg.ID)
}
