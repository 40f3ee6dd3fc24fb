// Package watcher observes the host messages database and runs a
// user-configured script when new inbound messages arrive.
package watcher
