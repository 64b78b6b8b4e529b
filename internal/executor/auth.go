package executor

import (
	"crypto/subtle"
	"os"
	"strings"

	awcperrors "github.com/awcp/awcp/internal/common/errors"
	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// CredentialVerifier checks the auth block of an INVITE.
type CredentialVerifier interface {
	// Type is the auth type the verifier handles, e.g. "token".
	Type() string
	Verify(auth *protocol.Auth) error
}

// AuthManager holds the configured verifiers. With no verifiers every
// invite is admitted; with at least one, the invite's auth block must be
// accepted by the verifier matching its type.
type AuthManager struct {
	verifiers []CredentialVerifier
}

// NewAuthManager creates an empty manager.
func NewAuthManager() *AuthManager {
	return &AuthManager{}
}

// AddVerifier registers a verifier.
func (m *AuthManager) AddVerifier(v CredentialVerifier) {
	m.verifiers = append(m.verifiers, v)
}

// Verify checks an invite's auth block against the configured verifiers.
func (m *AuthManager) Verify(auth *protocol.Auth) error {
	if len(m.verifiers) == 0 {
		return nil
	}
	if auth == nil {
		return awcperrors.AuthFailed("authentication required")
	}
	for _, v := range m.verifiers {
		if v.Type() == auth.Type {
			return v.Verify(auth)
		}
	}
	return awcperrors.AuthFailed("unsupported auth type " + auth.Type)
}

// TokenVerifier accepts a single shared bearer token.
type TokenVerifier struct {
	token string
}

// NewTokenVerifier creates a verifier for a static token.
func NewTokenVerifier(token string) *TokenVerifier {
	return &TokenVerifier{token: token}
}

// NewEnvTokenVerifier reads the token from an environment variable.
func NewEnvTokenVerifier(envVar string) *TokenVerifier {
	return &TokenVerifier{token: os.Getenv(envVar)}
}

// NewFileTokenVerifier reads the token from a file.
func NewFileTokenVerifier(path string) (*TokenVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &TokenVerifier{token: strings.TrimSpace(string(data))}, nil
}

// Type implements CredentialVerifier.
func (v *TokenVerifier) Type() string { return "token" }

// Verify implements CredentialVerifier.
func (v *TokenVerifier) Verify(auth *protocol.Auth) error {
	if v.token == "" {
		return awcperrors.AuthFailed("no token configured")
	}
	if subtle.ConstantTimeCompare([]byte(v.token), []byte(auth.Credential)) != 1 {
		return awcperrors.AuthFailed("invalid credential")
	}
	return nil
}
