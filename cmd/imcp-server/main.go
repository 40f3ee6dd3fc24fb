// ABOUTME: Entry point for the stdio↔TCP bridge launched by assistant clients.
// ABOUTME: stdin/stdout carry JSON-RPC; stderr carries logs only.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/barelyworkingcode/iMCP/internal/bridge"
)

var version = "dev"

func main() {
	token := flag.String("token", "", "client token (64 hex characters, required)")
	portFile := flag.String("port-file", "", "override the port rendezvous file path")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Usage: imcp-server --token <64-hex>")
		os.Exit(2)
	}

	// stdout belongs to the JSON-RPC channel; all logging goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := bridge.Run(ctx, bridge.Config{
		Token:    *token,
		PortFile: *portFile,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("bridge terminated", "error", err)
		os.Exit(1)
	}
}
