// ABOUTME: Watches the host messages database and runs a script on new messages.
// ABOUTME: High-water-mark on MAX(ROWID); fs events debounced, backed by a poll timer.

package watcher

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

// CountEnvVar carries the detected new-message count into the script.
const CountEnvVar = "IMCP_NEW_MESSAGE_COUNT"

// hwmQuery finds the newest inbound message row.
const hwmQuery = `SELECT MAX(ROWID) FROM message WHERE is_from_me = 0`

// Config configures a Watcher.
type Config struct {
	// DatabasePath is the host messages database (chat.db).
	DatabasePath string
	// Script is the executable invoked when new messages are detected.
	Script string

	Debounce      time.Duration
	PollEvery     time.Duration
	ScriptTimeout time.Duration

	Logger *slog.Logger
}

// Watcher tracks the messages database high-water mark and fires the
// configured script when it advances. The HWM never decreases, and each
// trigger fires the script at most once per detected increase.
type Watcher struct {
	cfg    Config
	logger *slog.Logger

	db  *sql.DB
	fsw *fsnotify.Watcher

	mu  sync.Mutex
	hwm int64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// runScript is swappable for tests.
	runScript func(ctx context.Context, count int64) error
}

// New opens the database read-only and records the initial high-water mark.
func New(cfg Config) (*Watcher, error) {
	if cfg.DatabasePath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Script == "" {
		return nil, errors.New("script is required")
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 5 * time.Second
	}
	if cfg.PollEvery == 0 {
		cfg.PollEvery = 60 * time.Second
	}
	if cfg.ScriptTimeout == 0 {
		cfg.ScriptTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", "file:"+cfg.DatabasePath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("opening messages database: %w", err)
	}

	w := &Watcher{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
	w.runScript = w.execScript

	hwm, err := w.queryMax(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reading initial high-water mark: %w", err)
	}
	w.hwm = hwm

	logger.Info("watcher initialized",
		"database", cfg.DatabasePath,
		"hwm", hwm,
	)
	return w, nil
}

// Start begins watching. It returns once the background loop is running.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fs watcher: %w", err)
	}
	// Watch the containing directory: sqlite swaps the -wal sidecar with
	// renames that break per-file watches.
	if err := fsw.Add(filepath.Dir(w.cfg.DatabasePath)); err != nil {
		fsw.Close()
		return fmt.Errorf("watching database directory: %w", err)
	}
	w.fsw = fsw

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// loop coalesces fs events with a debounce timer and falls back to polling.
func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	poll := time.NewTicker(w.cfg.PollEvery)
	defer poll.Stop()

	debounce := time.NewTimer(w.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	debouncing := false

	base := filepath.Base(w.cfg.DatabasePath)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if name != base && name != base+"-wal" {
				continue
			}
			// Coalesce bursts: (re)arm the debounce window.
			if debouncing && !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(w.cfg.Debounce)
			debouncing = true

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watch error", "error", err)

		case <-debounce.C:
			debouncing = false
			w.check(ctx)

		case <-poll.C:
			w.check(ctx)
		}
	}
}

// check re-queries MAX(ROWID) and fires the script once if it advanced.
func (w *Watcher) check(ctx context.Context) {
	max, err := w.queryMax(ctx)
	if err != nil {
		w.logger.Warn("high-water mark query failed", "error", err)
		return
	}

	w.mu.Lock()
	prev := w.hwm
	if max <= prev {
		w.mu.Unlock()
		return
	}
	count := max - prev
	w.hwm = max
	w.mu.Unlock()

	w.logger.Info("new messages detected",
		"count", count,
		"hwm", max,
	)

	if err := w.runScript(ctx, count); err != nil {
		w.logger.Warn("message script failed", "error", err)
	}
}

// queryMax reads the newest inbound row id; an empty table reads as 0.
func (w *Watcher) queryMax(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := w.db.QueryRowContext(ctx, hwmQuery).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// execScript runs the configured script with the count in its environment,
// bounded by the script timeout. Stderr is captured for the log; a non-zero
// exit is logged by the caller but is not fatal.
func (w *Watcher) execScript(ctx context.Context, count int64) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ScriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.cfg.Script)
	cmd.Env = append(os.Environ(), CountEnvVar+"="+strconv.FormatInt(count, 10))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
		w.logger.Info("message script stderr", "stderr", string(msg))
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("script timed out after %s", w.cfg.ScriptTimeout)
		}
		return fmt.Errorf("running script: %w", err)
	}
	return nil
}

// HWM returns the current high-water mark.
func (w *Watcher) HWM() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hwm
}

// Stop cancels the timers, closes the fs watcher, and closes the database.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
	w.db.Close()
	w.logger.Info("watcher stopped")
}
