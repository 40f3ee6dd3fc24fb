// Package server ties the listener, auth gate, sessions, and broadcaster
// together. The listener binds loopback only, publishes its ephemeral port
// through the port file, and restarts itself on faults; a supervisor loop
// forces a rebind if it ever sticks outside ready.
package server
