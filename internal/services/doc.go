// Package services holds the fixed catalog of host-capability adapters and
// the permission-gated dispatcher in front of them.
//
// The catalog is known at build time; NewRegistry precomputes the
// tool-name→service lookup and rejects duplicate names. The Dispatcher
// checks permission on both tools/list and tools/call because list results
// can go stale between the two. Tool failures are returned as user-visible
// error outcomes, never as transport errors.
//
// Adapters are deliberately thin: a static tool list plus a host command
// invocation through an injected Runner. They must tolerate concurrent
// Call invocations; none of them hold mutable state.
package services
