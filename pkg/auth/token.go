package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// AppCredentialPrefix identifies app credential bearer tokens
	AppCredentialPrefix = "wdn_app_"
	// SessionPrefix identifies session tokens
	SessionPrefix = "wdn_ses_"
	// TokenLength is the number of random bytes (32 bytes = 256 bits)
	TokenLength = 32

	displayPrefixLength = 8
)

// TokenGenerator generates and validates opaque bearer tokens of one kind
type TokenGenerator struct {
	prefix string
}

// NewTokenGenerator creates a generator for tokens starting with prefix
func NewTokenGenerator(prefix string) *TokenGenerator {
	return &TokenGenerator{prefix: prefix}
}

// Prefix returns the token kind prefix
func (tg *TokenGenerator) Prefix() string {
	return tg.prefix
}

// GenerateToken creates a new token.
// Format: <prefix><base64url(32 random bytes)>
// Only the SHA256 hash is meant to be stored; displayPrefix identifies the
// token in listings.
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, displayPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	token = tg.prefix + encoded

	return token, HashToken(token), tg.prefix + encoded[:displayPrefixLength], nil
}

// HashToken computes the SHA256 hash of a token for lookup
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks if a token has the correct format
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, tg.prefix) {
		return fmt.Errorf("token must start with %q", tg.prefix)
	}

	encoded := strings.TrimPrefix(token, tg.prefix)
	if len(encoded) == 0 {
		return fmt.Errorf("token is too short")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(decoded) != TokenLength {
		return fmt.Errorf("token is too short")
	}

	return nil
}

// Matches reports whether token carries this generator's prefix
func (tg *TokenGenerator) Matches(token string) bool {
	return strings.HasPrefix(token, tg.prefix)
}
