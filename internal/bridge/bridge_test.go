// ABOUTME: Tests for heartbeat stripping, message framing, and the bridge pumps.

package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barelyworkingcode/iMCP/internal/mcp"
	"github.com/barelyworkingcode/iMCP/internal/portfile"
)

// heartbeatFrame builds one complete 12-byte sideband frame.
func heartbeatFrame() []byte {
	frame := make([]byte, mcp.HeartbeatFrameLen)
	copy(frame, mcp.HeartbeatMagic)
	binary.BigEndian.PutUint64(frame[len(mcp.HeartbeatMagic):], 1234567890)
	return frame
}

func TestStripHeartbeatsPassesCleanChunk(t *testing.T) {
	chunk := []byte(`{"jsonrpc":"2.0","id":1}` + "\n")
	assert.Equal(t, chunk, StripHeartbeats(chunk))
}

func TestStripHeartbeatsDropsCompleteFrame(t *testing.T) {
	msg1 := []byte(`{"id":1}` + "\n")
	msg2 := []byte(`{"id":2}` + "\n")

	var chunk []byte
	chunk = append(chunk, msg1...)
	chunk = append(chunk, heartbeatFrame()...)
	chunk = append(chunk, msg2...)

	want := append(append([]byte{}, msg1...), msg2...)
	assert.Equal(t, want, StripHeartbeats(chunk))
}

func TestStripHeartbeatsDropsMultipleFrames(t *testing.T) {
	msgs := [][]byte{
		[]byte(`{"id":1}` + "\n"),
		[]byte(`{"id":2}` + "\n"),
		[]byte(`{"id":3}` + "\n"),
	}

	var chunk, want []byte
	chunk = append(chunk, heartbeatFrame()...)
	for _, msg := range msgs {
		chunk = append(chunk, msg...)
		chunk = append(chunk, heartbeatFrame()...)
		want = append(want, msg...)
	}

	assert.Equal(t, want, StripHeartbeats(chunk))
}

func TestStripHeartbeatsDiscardsTornFrame(t *testing.T) {
	chunk := append([]byte(`{"id":1}`+"\n"), mcp.HeartbeatMagic...)
	chunk = append(chunk, 0x01, 0x02) // 6 of 12 frame bytes

	assert.Empty(t, StripHeartbeats(chunk))
}

func TestFlushMessagesEmitsOnlyCompleteLines(t *testing.T) {
	var out bytes.Buffer

	rest, err := flushMessages([]byte(`{"id":1}`+"\n"+`{"par`), &out)
	require.NoError(t, err)

	assert.Equal(t, `{"id":1}`+"\n", out.String())
	assert.Equal(t, `{"par`, string(rest))

	rest, err = flushMessages(append(rest, []byte("tial\":2}\n")...), &out)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, `{"id":1}`+"\n"+`{"partial":2}`+"\n", out.String())
}

func TestFlushMessagesHoldsFragment(t *testing.T) {
	var out bytes.Buffer

	rest, err := flushMessages([]byte(`no newline yet`), &out)
	require.NoError(t, err)
	assert.Zero(t, out.Len())
	assert.Equal(t, "no newline yet", string(rest))
}

// shortWriter accepts at most n bytes per Write call.
type shortWriter struct {
	buf bytes.Buffer
	n   int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.n {
		p = p[:w.n]
	}
	return w.buf.Write(p)
}

func TestWriteFullRetriesShortWrites(t *testing.T) {
	w := &shortWriter{n: 3}
	require.NoError(t, writeFull(w, []byte(`{"id":1,"method":"x"}`+"\n")))
	assert.Equal(t, `{"id":1,"method":"x"}`+"\n", w.buf.String())
}

// bridgeFixture runs the bridge against an in-memory server.
type bridgeFixture struct {
	server   net.Conn
	stdinW   io.WriteCloser
	stdout   *io.PipeReader
	finished chan error
}

func startBridge(t *testing.T) *bridgeFixture {
	t.Helper()

	portPath := filepath.Join(t.TempDir(), "server.port")
	require.NoError(t, portfile.Write(portPath, 49999))

	client, server := net.Pipe()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	finished := make(chan error, 1)
	go func() {
		finished <- Run(context.Background(), Config{
			Token:    "deadbeef",
			PortFile: portPath,
			Stdin:    stdinR,
			Stdout:   stdoutW,
			Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
			Dial: func(context.Context, string) (net.Conn, error) {
				return client, nil
			},
		})
		stdoutW.Close()
	}()

	t.Cleanup(func() {
		server.Close()
		stdinW.Close()
		stdoutR.Close()
	})

	return &bridgeFixture{
		server:   server,
		stdinW:   stdinW,
		stdout:   stdoutR,
		finished: finished,
	}
}

func (f *bridgeFixture) readServerLine(t *testing.T) string {
	t.Helper()
	f.server.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(f.server).ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestBridgeSendsTokenPreambleFirst(t *testing.T) {
	f := startBridge(t)
	assert.Equal(t, "deadbeef\n", f.readServerLine(t))
}

func TestBridgeStripsHeartbeatsOnWire(t *testing.T) {
	f := startBridge(t)
	f.readServerLine(t) // consume preamble

	// msg1, a heartbeat, then msg2. stdout must carry the two messages
	// verbatim, in order.
	var stream []byte
	stream = append(stream, []byte(`{"id":1,"result":{}}`+"\n")...)
	stream = append(stream, heartbeatFrame()...)
	stream = append(stream, []byte(`{"id":2,"result":{}}`+"\n")...)

	go f.server.Write(stream)

	reader := bufio.NewReader(f.stdout)
	line1, err := reader.ReadString('\n')
	require.NoError(t, err)
	line2, err := reader.ReadString('\n')
	require.NoError(t, err)

	assert.Equal(t, `{"id":1,"result":{}}`+"\n", line1)
	assert.Equal(t, `{"id":2,"result":{}}`+"\n", line2)
}

func TestBridgeForwardsStdinToNetwork(t *testing.T) {
	f := startBridge(t)
	f.readServerLine(t)

	go f.stdinW.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"))

	f.server.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(f.server).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n", line)
}

func TestBridgeExitsCleanlyOnRemoteEOF(t *testing.T) {
	f := startBridge(t)
	f.readServerLine(t)

	f.server.Close()

	select {
	case err := <-f.finished:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not exit on remote close")
	}
}

func TestBridgeExitsCleanlyOnStdinEOF(t *testing.T) {
	f := startBridge(t)
	f.readServerLine(t)

	f.stdinW.Close()

	select {
	case err := <-f.finished:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not exit on stdin close")
	}
}

func TestRunRequiresToken(t *testing.T) {
	err := Run(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")
}
