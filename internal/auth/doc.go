// Package auth holds the token model, the atomically-swapped token
// snapshot store, and the connection gate that matches the plaintext token
// preamble in constant time.
//
// Secrets are opaque byte strings: never substring-matched, never logged.
// Token implements slog.LogValuer so a token attr renders as id/name only.
package auth
