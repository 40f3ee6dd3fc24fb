// ABOUTME: stdio↔TCP bridge: duplex proxy between an assistant client and the daemon.
// ABOUTME: Preserves JSON-RPC message boundaries and strips the heartbeat sideband.

package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/barelyworkingcode/iMCP/internal/mcp"
	"github.com/barelyworkingcode/iMCP/internal/portfile"
)

// Bridge errors.
var (
	// ErrRemoteGone indicates the server reset or dropped the connection.
	ErrRemoteGone = errors.New("remote connection lost")
	// errStdinClosed indicates the assistant client closed our stdin.
	errStdinClosed = errors.New("stdin closed")
	// errRemoteClosed indicates a clean EOF from the server.
	errRemoteClosed = errors.New("remote closed")
	// errReconnect asks the outer loop to redial after a receive stall.
	errReconnect = errors.New("receive stalled, reconnecting")
)

const (
	// recvBufSize is the network receive bound.
	recvBufSize = 1 << 20
	// recvDeadline is the per-read deadline used to detect stalls.
	recvDeadline = 5 * time.Second
	// maxEmptyRecvs is how many consecutive deadline-expired reads count
	// as a stall worth a reconnect.
	maxEmptyRecvs = 12
	// reconnectDelay follows a receive stall.
	reconnectDelay = time.Second
	// retryDelay follows an unclassified error.
	retryDelay = 5 * time.Second
)

// Config configures a bridge run.
type Config struct {
	// Token is the 64-hex secret sent as the connection preamble.
	Token string
	// PortFile overrides the rendezvous path. Empty uses the default.
	PortFile string
	// WaitTimeout bounds the port file poll. Zero uses the default 30s.
	WaitTimeout time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Logger *slog.Logger

	// Dial overrides the TCP dial for tests.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Run executes the bridge until the remote closes cleanly (nil), stdin
// closes (nil), the remote resets (ErrRemoteGone), or ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Token == "" {
		return errors.New("token is required")
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PortFile == "" {
		cfg.PortFile = portfile.DefaultPath()
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp4", addr)
		}
	}

	for {
		err := connectAndPump(ctx, cfg)
		switch {
		case err == nil, errors.Is(err, errStdinClosed), errors.Is(err, errRemoteClosed):
			return nil
		case errors.Is(err, ErrRemoteGone):
			return err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, errReconnect):
			cfg.Logger.Info("reconnecting after receive stall")
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
		default:
			cfg.Logger.Warn("bridge error, retrying", "error", err)
			if !sleepCtx(ctx, retryDelay) {
				return ctx.Err()
			}
		}
	}
}

// connectAndPump performs one connection lifetime: rendezvous, preamble,
// then two supervised pumps. The first pump to finish cancels the other.
func connectAndPump(ctx context.Context, cfg Config) error {
	port, err := portfile.Wait(ctx, cfg.PortFile, cfg.WaitTimeout)
	if err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := cfg.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	// Token preamble precedes any JSON-RPC byte.
	if _, err := conn.Write([]byte(cfg.Token + "\n")); err != nil {
		return classifyNetErr(err)
	}

	cfg.Logger.Info("connected", "addr", addr)

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		conn.Close()
	}()

	g.Go(func() error { return pumpStdin(gctx, cfg.Stdin, conn) })
	g.Go(func() error { return pumpNet(conn, cfg.Stdout) })

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// stdinRead is one read's worth of stdin bytes, or its terminal error.
type stdinRead struct {
	data []byte
	err  error
}

// pumpStdin forwards stdin bytes to the network. Input is buffered until it
// contains non-whitespace, then sent as one chunk; pure-whitespace reads
// are never forwarded. Reads happen on a side goroutine so cancellation is
// observed even while stdin is quiet.
func pumpStdin(ctx context.Context, stdin io.Reader, conn net.Conn) error {
	reads := make(chan stdinRead)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := stdin.Read(buf)
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case reads <- stdinRead{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-reads:
			pending = append(pending, r.data...)
			if len(bytes.TrimSpace(pending)) > 0 {
				if werr := writeFull(conn, pending); werr != nil {
					return classifyNetErr(werr)
				}
				pending = pending[:0]
			}
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return errStdinClosed
				}
				return fmt.Errorf("reading stdin: %w", r.err)
			}
		}
	}
}

// pumpNet forwards network bytes to stdout. Heartbeat frames are stripped
// before framing; only complete newline-terminated messages are written,
// each as one unit including its newline.
func pumpNet(conn net.Conn, stdout io.Writer) error {
	buf := make([]byte, recvBufSize)
	var rolling []byte
	emptyRecvs := 0

	for {
		// Some conns refuse a deadline once either end has closed; the read
		// below then reports which end it was (EOF for a remote close).
		if err := conn.SetReadDeadline(time.Now().Add(recvDeadline)); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return classifyNetErr(err)
		}
		n, err := conn.Read(buf)
		if n > 0 {
			emptyRecvs = 0
			chunk := StripHeartbeats(buf[:n])
			rolling = append(rolling, chunk...)

			var werr error
			rolling, werr = flushMessages(rolling, stdout)
			if werr != nil {
				return fmt.Errorf("writing stdout: %w", werr)
			}
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				emptyRecvs++
				if emptyRecvs >= maxEmptyRecvs {
					return errReconnect
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return errRemoteClosed
			}
			return classifyNetErr(err)
		}
	}
}

// flushMessages writes every complete newline-terminated message in buf to
// out and returns the unterminated remainder.
func flushMessages(buf []byte, out io.Writer) ([]byte, error) {
	idx := bytes.LastIndexByte(buf, '\n')
	if idx < 0 {
		return buf, nil
	}

	if err := writeFull(out, buf[:idx+1]); err != nil {
		return buf, err
	}
	return append(buf[:0], buf[idx+1:]...), nil
}

// StripHeartbeats removes heartbeat frames from one received chunk.
// A complete 12-byte frame is dropped exactly; a signature with fewer than
// 12 bytes available means a torn frame, and the whole chunk is discarded
// to resync.
func StripHeartbeats(chunk []byte) []byte {
	if !bytes.Contains(chunk, mcp.HeartbeatMagic) {
		return chunk
	}

	var out []byte
	rest := chunk
	for {
		i := bytes.Index(rest, mcp.HeartbeatMagic)
		if i < 0 {
			return append(out, rest...)
		}
		if len(rest)-i < mcp.HeartbeatFrameLen {
			// Torn heartbeat at the chunk boundary.
			return nil
		}
		out = append(out, rest[:i]...)
		rest = rest[i+mcp.HeartbeatFrameLen:]
	}
}

// writeFull retries short writes until the whole buffer is out.
func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// classifyNetErr folds dead-peer errors into ErrRemoteGone.
func classifyNetErr(err error) error {
	if isDeadPeer(err) {
		return fmt.Errorf("%w: %v", ErrRemoteGone, err)
	}
	return err
}

func isDeadPeer(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, net.ErrClosed)
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
