// Package mcp implements the wire protocol spoken over the loopback TCP
// transport: newline-delimited JSON-RPC 2.0 carrying the MCP methods
// initialize, tools/list, tools/call, prompts/list, and resources/list,
// plus the server-originated tools/list_changed notification.
//
// A Session owns one authenticated connection. All of a session's state is
// task-private; sessions communicate with the rest of the daemon only
// through the dispatcher and the OnClose callback, so no locks are shared
// across sessions.
//
// The transport also carries a 12-byte binary heartbeat frame between
// JSON-RPC messages. It is opaque to the protocol layer; the bridge strips
// it before the bytes reach an assistant client's stdin parser.
package mcp
