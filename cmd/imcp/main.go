// ABOUTME: Entry point for the iMCP daemon.
// ABOUTME: Serves the loopback MCP listener and the optional message watcher.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/barelyworkingcode/iMCP/internal/auth"
	"github.com/barelyworkingcode/iMCP/internal/config"
	"github.com/barelyworkingcode/iMCP/internal/portfile"
	"github.com/barelyworkingcode/iMCP/internal/server"
	"github.com/barelyworkingcode/iMCP/internal/services"
	"github.com/barelyworkingcode/iMCP/internal/watcher"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _ __  __  ___ ___
 (_)  \/  |/ __| _ \
 | | |\/| | (__|  _/
 |_|_|  |_|\___|_|
`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken()
	case "health":
		err = runHealth()
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: imcp <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the daemon (default)")
	fmt.Println("  token    Mint a new token secret")
	fmt.Println("  health   Check that the listener is reachable")
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	portPath := cfg.Server.PortFile
	if portPath == "" {
		portPath = portfile.DefaultPath()
	}

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Port file:  %s\n", portPath)
	green.Print("    ▶ ")
	fmt.Printf("Tokens:     %d\n", len(cfg.Tokens))
	if cfg.Watcher.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Watcher:    %s\n", cfg.Watcher.DatabasePath)
	}
	fmt.Println()

	logger.Info("starting imcp",
		"version", version,
		"config", configPath,
	)

	registry, err := services.Default(services.ExecRunner)
	if err != nil {
		return fmt.Errorf("building service catalog: %w", err)
	}

	store := auth.NewStore()
	tokens, err := tokensFromConfig(cfg.Tokens)
	if err != nil {
		return err
	}
	store.Update(tokens)

	dispatcher := services.NewDispatcher(registry, logger)
	dispatcher.SetBindings(cfg.Services.Enabled)
	dispatcher.SetEnabled(cfg.Server.IsEnabled())

	srv := server.New(server.Config{
		PortFile:     portPath,
		Store:        store,
		Dispatcher:   dispatcher,
		Logger:       logger,
		Version:      version,
		SetupTimeout: cfg.Server.SetupTimeout,
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	defer srv.Stop()

	var msgWatcher *watcher.Watcher
	if cfg.Watcher.Enabled {
		msgWatcher, err = watcher.New(watcher.Config{
			DatabasePath:  cfg.Watcher.DatabasePath,
			Script:        cfg.Watcher.Script,
			Debounce:      cfg.Watcher.Debounce,
			PollEvery:     cfg.Watcher.PollEvery,
			ScriptTimeout: cfg.Watcher.ScriptTimeout,
			Logger:        logger,
		})
		if err != nil {
			logger.Warn("message watcher unavailable", "error", err)
		} else if err := msgWatcher.Start(ctx); err != nil {
			logger.Warn("message watcher failed to start", "error", err)
			msgWatcher = nil
		} else {
			defer msgWatcher.Stop()
		}
	}

	// SIGHUP reloads the config and republishes the token and binding
	// snapshots, which broadcasts tools/list_changed when they differ.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			logger.Info("reloading config", "config", configPath)
			next, err := config.Load(configPath)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			tokens, err := tokensFromConfig(next.Tokens)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			srv.UpdateTokens(tokens)
			srv.SetServiceBindings(next.Services.Enabled)
			srv.SetEnabled(next.Server.IsEnabled())
		}
	}
}

// tokensFromConfig converts config token entries into auth tokens.
func tokensFromConfig(entries []config.TokenConfig) ([]auth.Token, error) {
	tokens := make([]auth.Token, 0, len(entries))
	for _, e := range entries {
		perms := make(map[string]auth.Permission, len(e.Permissions))
		for svc, level := range e.Permissions {
			p, err := auth.ParsePermission(level)
			if err != nil {
				return nil, fmt.Errorf("token %q: %w", e.Name, err)
			}
			perms[svc] = p
		}
		id := e.ID
		if id == "" {
			id = e.Name
		}
		tokens = append(tokens, auth.Token{
			ID:          id,
			Name:        e.Name,
			Secret:      e.Secret,
			CreatedAt:   time.Now(),
			Permissions: perms,
		})
	}
	return tokens, nil
}

// runToken mints a fresh secret and prints a config snippet. The secret is
// shown exactly once; it is never re-exposed after creation.
func runToken() error {
	name := "client"
	if len(os.Args) > 2 {
		name = os.Args[2]
	}

	tok, err := auth.NewToken(name, nil)
	if err != nil {
		return err
	}

	fmt.Println("Add to the tokens section of your config:")
	fmt.Println()
	fmt.Printf("  - id: %s\n", tok.ID)
	fmt.Printf("    name: %s\n", tok.Name)
	fmt.Printf("    secret: %s\n", tok.Secret)
	fmt.Println("    permissions:")
	fmt.Println("      CalendarService: readOnly")
	return nil
}

// runHealth reads the port file and checks the listener accepts.
func runHealth() error {
	path := portfile.DefaultPath()
	port, err := portfile.Read(path)
	if err != nil {
		return fmt.Errorf("reading port file: %w", err)
	}

	conn, err := net.DialTimeout("tcp4", "127.0.0.1:"+strconv.Itoa(port), 3*time.Second)
	if err != nil {
		return fmt.Errorf("listener unreachable on port %d: %w", port, err)
	}
	conn.Close()

	fmt.Printf("OK: listening on 127.0.0.1:%d\n", port)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
