// ABOUTME: Token model with per-service permissions and secret generation.
// ABOUTME: Secrets are 32 random bytes rendered as 64 lowercase hex characters.

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Permission is the access level a token holds for one service.
type Permission string

const (
	// PermissionOff denies all access to a service.
	PermissionOff Permission = "off"
	// PermissionReadOnly allows only tools annotated read-only.
	PermissionReadOnly Permission = "readOnly"
	// PermissionFull allows every tool of a service.
	PermissionFull Permission = "full"
)

// ParsePermission converts a config string into a Permission.
func ParsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case PermissionOff, PermissionReadOnly, PermissionFull:
		return Permission(s), nil
	}
	return PermissionOff, fmt.Errorf("unknown permission %q", s)
}

// SecretLen is the rendered length of a token secret: 32 bytes as hex.
const SecretLen = 64

// Token identifies one client and carries its per-service permission map.
// The secret is generated once and never mutated; a missing service key in
// Permissions means PermissionOff.
type Token struct {
	ID          string
	Name        string
	Secret      string
	CreatedAt   time.Time
	Permissions map[string]Permission
}

// NewToken mints a token with a fresh secret from the crypto RNG.
func NewToken(name string, perms map[string]Permission) (Token, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return Token{}, err
	}

	copied := make(map[string]Permission, len(perms))
	for k, v := range perms {
		copied[k] = v
	}

	return Token{
		ID:          uuid.New().String(),
		Name:        name,
		Secret:      secret,
		CreatedAt:   time.Now(),
		Permissions: copied,
	}, nil
}

// GenerateSecret returns 32 bytes from crypto/rand as 64 lowercase hex chars.
func GenerateSecret() (string, error) {
	buf := make([]byte, SecretLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Permission returns the token's level for the given service.
// Absent keys mean off.
func (t Token) Permission(serviceID string) Permission {
	if p, ok := t.Permissions[serviceID]; ok {
		return p
	}
	return PermissionOff
}

// LogValue renders the token for logging without exposing the secret.
func (t Token) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.String("name", t.Name),
	)
}
