// Package config loads the daemon's YAML configuration.
//
// The file lives at $XDG_CONFIG_HOME/imcp/imcp.yaml (override with
// IMCP_CONFIG). ${VAR} references are expanded from the environment before
// parsing, which is how token secrets stay out of the file. A missing file
// yields a usable default configuration: no tokens, all services enabled,
// watcher off.
package config
