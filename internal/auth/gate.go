// ABOUTME: Authentication gate that reads the token preamble from new connections.
// ABOUTME: Constant-time secret comparison; rejects everything when no tokens exist.

package auth

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Gate errors.
var (
	// ErrNoTokens indicates the snapshot is empty; connections are rejected
	// before any read.
	ErrNoTokens = errors.New("no tokens installed")
	// ErrAuthFailed indicates the presented secret matched no token.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrLineTooLong indicates the client sent more than MaxLineLen bytes
	// before a newline.
	ErrLineTooLong = errors.New("token line too long")
)

const (
	// MaxLineLen caps the token preamble read.
	MaxLineLen = 256
	// ReadTimeout bounds the preamble read.
	ReadTimeout = 5 * time.Second
)

// Gate authenticates new TCP connections against the token store.
type Gate struct {
	store  *Store
	logger *slog.Logger
}

// NewGate creates a gate backed by the given store.
func NewGate(store *Store, logger *slog.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// Admit reads one line from the connection and matches it against the
// current snapshot. On success the matched token is returned. On any
// failure the caller must close the socket; the gate itself never writes.
func (g *Gate) Admit(conn net.Conn) (Token, error) {
	snap := g.store.Snapshot()
	if len(snap.Tokens) == 0 {
		g.logger.Warn("rejecting connection: token store is empty",
			"remote_addr", conn.RemoteAddr().String(),
		)
		return Token{}, ErrNoTokens
	}

	line, err := readLine(conn)
	if err != nil {
		return Token{}, err
	}

	candidate := bytes.TrimSpace(line)
	for _, tok := range snap.Tokens {
		if constantTimeMatch(candidate, []byte(tok.Secret)) {
			g.logger.Info("client authenticated",
				"token", tok,
				"remote_addr", conn.RemoteAddr().String(),
			)
			return tok, nil
		}
	}

	g.logger.Warn("authentication failed",
		"remote_addr", conn.RemoteAddr().String(),
	)
	return Token{}, ErrAuthFailed
}

// readLine reads bytes up to the first newline, capped at MaxLineLen and
// bounded by ReadTimeout.
func readLine(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, MaxLineLen)
	one := make([]byte, 1)
	for {
		n, err := conn.Read(one)
		if n > 0 {
			if one[0] == '\n' {
				return buf, nil
			}
			if len(buf) >= MaxLineLen {
				return nil, ErrLineTooLong
			}
			buf = append(buf, one[0])
		}
		if err != nil {
			return nil, fmt.Errorf("reading token line: %w", err)
		}
	}
}

// constantTimeMatch compares a candidate against a secret. Unequal lengths
// fail at the length check, but the candidate is still folded through a
// constant-time compare against itself so the work done is proportional to
// the input rather than to where the first mismatch sits.
func constantTimeMatch(candidate, secret []byte) bool {
	if len(candidate) != len(secret) {
		subtle.ConstantTimeCompare(candidate, candidate)
		return false
	}
	return subtle.ConstantTimeCompare(candidate, secret) == 1
}
