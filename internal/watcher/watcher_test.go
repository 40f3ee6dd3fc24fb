// ABOUTME: Tests for the high-water mark, burst coalescing, and script firing.

package watcher

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// messagesDB creates a chat.db-shaped database seeded to the given rowid.
func messagesDB(t *testing.T, upTo int64) (string, *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE message (guid TEXT, text TEXT, is_from_me INTEGER)`)
	require.NoError(t, err)

	insertInbound(t, db, 1, upTo)
	return path, db
}

func insertInbound(t *testing.T, db *sql.DB, from, to int64) {
	t.Helper()
	for i := from; i <= to; i++ {
		_, err := db.Exec(`INSERT INTO message (ROWID, guid, text, is_from_me) VALUES (?, ?, '', 0)`, i, i)
		require.NoError(t, err)
	}
}

// scriptRecorder captures runScript invocations.
type scriptRecorder struct {
	mu     sync.Mutex
	counts []int64
}

func (r *scriptRecorder) run(_ context.Context, count int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, count)
	return nil
}

func (r *scriptRecorder) invocations() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.counts))
	copy(out, r.counts)
	return out
}

func newWatcher(t *testing.T, dbPath string, debounce time.Duration) (*Watcher, *scriptRecorder) {
	t.Helper()

	w, err := New(Config{
		DatabasePath: dbPath,
		Script:       "/bin/true",
		Debounce:     debounce,
		PollEvery:    time.Hour, // keep polling out of timing-sensitive tests
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	rec := &scriptRecorder{}
	w.runScript = rec.run
	return w, rec
}

func TestInitialHighWaterMark(t *testing.T) {
	path, _ := messagesDB(t, 100)

	w, _ := newWatcher(t, path, time.Second)
	defer w.db.Close()

	assert.Equal(t, int64(100), w.HWM())
}

func TestInitialHighWaterMarkEmptyTable(t *testing.T) {
	path, _ := messagesDB(t, 0)

	w, _ := newWatcher(t, path, time.Second)
	defer w.db.Close()

	assert.Zero(t, w.HWM())
}

func TestOutboundMessagesAreIgnored(t *testing.T) {
	path, db := messagesDB(t, 10)
	_, err := db.Exec(`INSERT INTO message (ROWID, guid, text, is_from_me) VALUES (50, '50', '', 1)`)
	require.NoError(t, err)

	w, _ := newWatcher(t, path, time.Second)
	defer w.db.Close()

	assert.Equal(t, int64(10), w.HWM())
}

func TestCheckFiresOncePerIncrease(t *testing.T) {
	path, db := messagesDB(t, 100)
	w, rec := newWatcher(t, path, time.Second)
	defer w.db.Close()

	insertInbound(t, db, 101, 105)

	ctx := context.Background()
	w.check(ctx)
	w.check(ctx)
	w.check(ctx)

	assert.Equal(t, []int64{5}, rec.invocations(), "one firing with the delta, then silence")
	assert.Equal(t, int64(105), w.HWM())
}

func TestHWMNeverDecreases(t *testing.T) {
	path, db := messagesDB(t, 100)
	w, rec := newWatcher(t, path, time.Second)
	defer w.db.Close()

	// Deleting rows lowers MAX(ROWID); the mark must hold.
	_, err := db.Exec(`DELETE FROM message WHERE ROWID > 50`)
	require.NoError(t, err)

	w.check(context.Background())
	assert.Equal(t, int64(100), w.HWM())
	assert.Empty(t, rec.invocations())
}

func TestBurstCoalesces(t *testing.T) {
	path, db := messagesDB(t, 100)
	w, rec := newWatcher(t, path, 150*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	insertInbound(t, db, 101, 105)

	// Three writes to the wal sidecar in quick succession.
	walPath := path + "-wal"
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(walPath, []byte{byte(i)}, 0o600))
		time.Sleep(30 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(rec.invocations()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	// The debounce window coalesced the burst into one firing.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, []int64{5}, rec.invocations())
	assert.Equal(t, int64(105), w.HWM())
}

func TestScriptReceivesCountEnv(t *testing.T) {
	path, db := messagesDB(t, 100)

	outFile := filepath.Join(t.TempDir(), "count.txt")
	script := filepath.Join(t.TempDir(), "notify.sh")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\necho \"$"+CountEnvVar+"\" > "+outFile+"\n"), 0o755))

	w, err := New(Config{
		DatabasePath: path,
		Script:       script,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer w.db.Close()

	insertInbound(t, db, 101, 103)
	w.check(context.Background())

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(data))
}

func TestScriptFailureIsNotFatal(t *testing.T) {
	path, db := messagesDB(t, 10)

	w, err := New(Config{
		DatabasePath: path,
		Script:       "/bin/false",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer w.db.Close()

	insertInbound(t, db, 11, 12)
	w.check(context.Background())

	// The mark advances even when the script exits non-zero.
	assert.Equal(t, int64(12), w.HWM())
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Config{Script: "/bin/true"})
	assert.Error(t, err)

	_, err = New(Config{DatabasePath: "/tmp/chat.db"})
	assert.Error(t, err)
}
