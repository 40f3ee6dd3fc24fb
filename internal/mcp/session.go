// ABOUTME: Per-connection MCP session: JSON-RPC loop, handshake, dispatch, notifications.
// ABOUTME: Sessions are isolated; one session's fault never affects another.

package mcp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/barelyworkingcode/iMCP/internal/auth"
	"github.com/barelyworkingcode/iMCP/internal/services"
)

// ErrSessionClosed indicates an operation on a closed session.
var ErrSessionClosed = errors.New("session closed")

const (
	// DefaultSetupTimeout bounds the window from socket admission to a
	// completed initialize handshake.
	DefaultSetupTimeout = 10 * time.Second
	// livenessInterval is how often the transport state is checked.
	livenessInterval = 30 * time.Second
	// heartbeatInterval is how often a sideband heartbeat frame is written.
	heartbeatInterval = 15 * time.Second
	// writeTimeout bounds each message write.
	writeTimeout = 10 * time.Second
	// maxMessageSize caps one inbound JSON-RPC line.
	maxMessageSize = 1 << 20
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Conn         net.Conn
	Token        auth.Token
	Dispatcher   *services.Dispatcher
	Logger       *slog.Logger
	Version      string
	SetupTimeout time.Duration
	// OnClose is invoked exactly once when the session leaves the live set.
	OnClose func(*Session)
}

// Session owns one authenticated TCP connection and speaks newline-delimited
// JSON-RPC 2.0 over it. Requests are served in receipt order; a request's
// response is written before the next request's response.
type Session struct {
	ID    string
	Token auth.Token

	conn         net.Conn
	dispatcher   *services.Dispatcher
	logger       *slog.Logger
	version      string
	setupTimeout time.Duration
	onClose      func(*Session)

	writeMu sync.Mutex

	initialized atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
	cancel      context.CancelFunc

	// lastBeat is the unix-nano time of the last successful write, fed by
	// the liveness watcher.
	lastBeat atomic.Int64

	clientName atomic.Pointer[string]
}

// NewSession creates a session for an admitted connection.
func NewSession(cfg SessionConfig) *Session {
	timeout := cfg.SetupTimeout
	if timeout == 0 {
		timeout = DefaultSetupTimeout
	}
	s := &Session{
		ID:           uuid.New().String(),
		Token:        cfg.Token,
		conn:         cfg.Conn,
		dispatcher:   cfg.Dispatcher,
		logger:       cfg.Logger,
		version:      cfg.Version,
		setupTimeout: timeout,
		onClose:      cfg.OnClose,
	}
	s.lastBeat.Store(time.Now().UnixNano())
	return s
}

// Run serves the session until the transport closes, setup times out, or
// ctx is cancelled. It always leaves the session closed.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.Close()

	setupTimer := time.AfterFunc(s.setupTimeout, func() {
		if !s.initialized.Load() {
			s.logger.Warn("session setup timed out",
				"session_id", s.ID,
				"timeout", s.setupTimeout,
			)
			s.Close()
		}
	})
	defer setupTimer.Stop()

	go s.watchLiveness(ctx)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleMessage(ctx, line)
		if s.closed.Load() {
			break
		}
	}

	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.logger.Debug("session transport error",
			"session_id", s.ID,
			"error", err,
		)
	}
	return nil
}

// watchLiveness checks transport state every livenessInterval and writes a
// heartbeat frame every heartbeatInterval. A failed heartbeat write is how
// a dead peer surfaces between requests.
func (s *Session) watchLiveness(ctx context.Context) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	liveness := time.NewTicker(livenessInterval)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := s.writeHeartbeat(); err != nil {
				s.logger.Info("heartbeat write failed, closing session",
					"session_id", s.ID,
					"error", err,
				)
				s.Close()
				return
			}
		case <-liveness.C:
			stale := time.Since(time.Unix(0, s.lastBeat.Load()))
			if stale > 2*livenessInterval {
				s.logger.Warn("transport stale, closing session",
					"session_id", s.ID,
					"stale", stale,
				)
				s.Close()
				return
			}
		}
	}
}

// handleMessage parses and serves one inbound line.
func (s *Session) handleMessage(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeError(nil, CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(req.ID, CodeInvalidRequest, "invalid JSON-RPC version")
		return
	}

	if req.IsNotification() {
		switch req.Method {
		case MethodInitialized:
			s.logger.Debug("client initialized", "session_id", s.ID)
		default:
			s.logger.Debug("ignoring notification",
				"session_id", s.ID,
				"method", req.Method,
			)
		}
		return
	}

	switch req.Method {
	case MethodInitialize:
		s.handleInitialize(req)
	case MethodPing:
		s.writeResult(req.ID, struct{}{})
	case MethodToolsList:
		s.requireInit(req, func() { s.handleToolsList(req) })
	case MethodToolsCall:
		s.requireInit(req, func() { s.handleToolsCall(ctx, req) })
	case MethodPromptsList:
		s.requireInit(req, func() { s.writeResult(req.ID, ListPromptsResult{Prompts: []struct{}{}}) })
	case MethodResourcesList:
		s.requireInit(req, func() { s.writeResult(req.ID, ListResourcesResult{Resources: []struct{}{}}) })
	default:
		s.writeError(req.ID, CodeMethodNotFound, "method not found")
	}
}

// requireInit rejects requests that arrive before the handshake completes.
func (s *Session) requireInit(req Request, handler func()) {
	if !s.initialized.Load() {
		s.writeError(req.ID, CodeInvalidRequest, "server not initialized")
		return
	}
	handler()
}

// handleInitialize completes the handshake. The client-declared name is
// logged only; the token's name stays canonical for permissions.
func (s *Session) handleInitialize(req Request) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(req.ID, CodeInvalidParams, "invalid initialize params")
			return
		}
	}

	if params.ClientInfo.Name != "" {
		name := params.ClientInfo.Name
		s.clientName.Store(&name)
	}
	s.initialized.Store(true)

	s.logger.Info("session initialized",
		"session_id", s.ID,
		"client_name", params.ClientInfo.Name,
		"token", s.Token,
	)

	s.writeResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Tools: ToolsCapability{ListChanged: true},
		},
		ServerInfo: ServerInfo{Name: ServerName, Version: s.version},
	})
}

func (s *Session) handleToolsList(req Request) {
	tools := s.dispatcher.ListTools(s.Token)

	result := ListToolsResult{Tools: make([]ToolInfo, len(tools))}
	for i, tool := range tools {
		result.Tools[i] = ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			Annotations: ToolAnnotations{ReadOnlyHint: tool.ReadOnly},
		}
	}

	s.logger.Debug("tools/list",
		"session_id", s.ID,
		"count", len(tools),
	)
	s.writeResult(req.ID, result)
}

func (s *Session) handleToolsCall(ctx context.Context, req Request) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(req.ID, CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.writeError(req.ID, CodeInvalidParams, "tool name is required")
		return
	}

	outcome := s.dispatcher.CallTool(ctx, s.Token, params.Name, params.Arguments)
	s.writeResult(req.ID, outcomeToResult(outcome))
}

// outcomeToResult maps a dispatcher outcome onto MCP content blocks.
// Blobs with image/ or audio/ MIME types become typed base64 blocks;
// any other blob is JSON-encoded like a plain value.
func outcomeToResult(o services.Outcome) CallToolResult {
	switch {
	case o.ErrMsg != "":
		return CallToolResult{
			Content: []Content{TextContent(o.ErrMsg)},
			IsError: true,
		}
	case o.Blob != nil:
		encoded := base64Encode(o.Blob.Data)
		switch {
		case hasMIMEPrefix(o.Blob.MIME, "image/"):
			return CallToolResult{Content: []Content{{Type: "image", Data: encoded, MimeType: o.Blob.MIME}}}
		case hasMIMEPrefix(o.Blob.MIME, "audio/"):
			return CallToolResult{Content: []Content{{Type: "audio", Data: encoded, MimeType: o.Blob.MIME}}}
		default:
			text := fmt.Sprintf(`{"data":%q,"mimeType":%q}`, encoded, o.Blob.MIME)
			return CallToolResult{Content: []Content{TextContent(text)}}
		}
	default:
		return CallToolResult{Content: []Content{TextContent(string(o.JSON))}}
	}
}

// NotifyToolListChanged sends notifications/tools/list_changed. Dead-peer
// errors tear the session down; anything else is logged only.
func (s *Session) NotifyToolListChanged() {
	err := s.writeJSON(Notification{
		JSONRPC: "2.0",
		Method:  NotificationToolsListChanged,
	})
	if err == nil {
		return
	}
	if isDeadPeer(err) {
		s.logger.Info("peer gone during notification, closing session",
			"session_id", s.ID,
		)
		s.Close()
		return
	}
	s.logger.Warn("notification send failed",
		"session_id", s.ID,
		"error", err,
	)
}

// Close tears the session down: cancels pending work, closes the conn, and
// fires the OnClose callback. Safe to call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Info("session closed", "session_id", s.ID)
	})
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// ClientName returns the client-declared name from initialize, or "".
func (s *Session) ClientName() string {
	if p := s.clientName.Load(); p != nil {
		return *p
	}
	return ""
}

func (s *Session) writeResult(id json.RawMessage, result any) {
	if err := s.writeJSON(Response{JSONRPC: "2.0", ID: id, Result: result}); err != nil {
		s.logger.Debug("response write failed",
			"session_id", s.ID,
			"error", err,
		)
		s.Close()
	}
}

func (s *Session) writeError(id json.RawMessage, code int, message string) {
	if id == nil {
		id = json.RawMessage("null")
	}
	err := s.writeJSON(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	})
	if err != nil {
		s.Close()
	}
}

// writeJSON writes one newline-terminated JSON message under the write lock.
func (s *Session) writeJSON(v any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(data); err != nil {
		return err
	}
	s.lastBeat.Store(time.Now().UnixNano())
	return nil
}

// writeHeartbeat writes one 12-byte sideband frame: magic + big-endian
// unix-nano timestamp. The bridge strips these before stdout.
func (s *Session) writeHeartbeat() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	frame := make([]byte, HeartbeatFrameLen)
	copy(frame, HeartbeatMagic)
	binary.BigEndian.PutUint64(frame[len(HeartbeatMagic):], uint64(time.Now().UnixNano()))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write(frame); err != nil {
		return err
	}
	s.lastBeat.Store(time.Now().UnixNano())
	return nil
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func hasMIMEPrefix(mime, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(mime), prefix)
}

// isDeadPeer classifies errors that mean the remote end is gone.
func isDeadPeer(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, net.ErrClosed)
}
