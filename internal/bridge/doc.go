// Package bridge implements the stdio↔TCP proxy that assistant clients
// launch. It reads the port rendezvous file, authenticates with the token
// preamble, and then pumps bytes in both directions until either side
// closes.
//
// The network-to-stdout path strips the server's 12-byte heartbeat frames
// and emits only complete newline-terminated JSON-RPC messages, so the
// client's parser never sees a fragment or a stray sideband byte.
package bridge
