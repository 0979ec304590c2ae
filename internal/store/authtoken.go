package store

import (
	"crypto/rand"
	"fmt"
)

const authTokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const authTokenLength = 24

// EnsureAuthToken loads the persisted auth token, generating and persisting
// a fresh 24-character [a-z0-9] token on first run.
func (s *Store) EnsureAuthToken() (string, error) {
	if data, ok := s.Get(KindAuthToken, "", authTokenLength); ok && len(data) == authTokenLength {
		return string(data), nil
	}

	tok, err := generateAuthToken()
	if err != nil {
		return "", fmt.Errorf("store: generate auth token: %w", err)
	}
	if err := s.Put(KindAuthToken, "", []byte(tok), len(tok)); err != nil {
		return "", fmt.Errorf("store: persist auth token: %w", err)
	}
	return tok, nil
}

func generateAuthToken() (string, error) {
	raw := make([]byte, authTokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, authTokenLength)
	for i, b := range raw {
		out[i] = authTokenAlphabet[int(b)%len(authTokenAlphabet)]
	}
	return string(out), nil
}
