// ABOUTME: Atomically-swapped snapshot store for client tokens.
// ABOUTME: Readers take one immutable snapshot per request; writers replace wholesale.

package auth

import (
	"sync/atomic"
)

// Snapshot is an immutable view of the installed tokens. Order is stable so
// listings are deterministic. The slice and the tokens inside it must never
// be mutated after publication.
type Snapshot struct {
	Tokens []Token
}

// Store publishes token snapshots through a single atomic pointer.
// In-flight sessions keep the Token they were admitted with; an update only
// affects later admissions and permission checks.
type Store struct {
	snapshot atomic.Pointer[Snapshot]
}

// NewStore creates a store holding an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	s.snapshot.Store(&Snapshot{})
	return s
}

// Snapshot returns the current snapshot. The caller must treat it as
// read-only and should hold it for at most the duration of one request.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Update replaces the whole snapshot. It reports whether the visible
// permission surface changed, which is the broadcast trigger: any
// difference in token count, identity, or permission maps counts.
func (s *Store) Update(tokens []Token) bool {
	copied := make([]Token, len(tokens))
	copy(copied, tokens)

	old := s.snapshot.Swap(&Snapshot{Tokens: copied})
	return permissionsChanged(old.Tokens, copied)
}

// Empty reports whether the current snapshot holds no tokens.
func (s *Store) Empty() bool {
	return len(s.snapshot.Load().Tokens) == 0
}

// permissionsChanged compares two token lists by id and permission map.
// Secrets are deliberately not compared: a secret cannot change without the
// token id changing, and comparing them here would be one more place a
// secret flows through.
func permissionsChanged(old, new []Token) bool {
	if len(old) != len(new) {
		return true
	}
	for i := range old {
		if old[i].ID != new[i].ID {
			return true
		}
		if !samePermissions(old[i].Permissions, new[i].Permissions) {
			return true
		}
	}
	return false
}

func samePermissions(a, b map[string]Permission) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
