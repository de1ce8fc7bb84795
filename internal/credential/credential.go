// Package credential resolves the credential references named in the provider
// catalog into secrets. Secrets are handed to drivers and never logged.
package credential

import (
	"errors"
	"fmt"
	"os"
)

var ErrMissing = errors.New("credential not set")

type Store interface {
	CredentialFor(ref string) (string, error)
}

// EnvStore reads credentials from the process environment, which config.Load
// has already populated from .env when present.
type EnvStore struct {
	lookup func(string) (string, bool)
}

func NewEnvStore() *EnvStore {
	return &EnvStore{lookup: os.LookupEnv}
}

func (s *EnvStore) CredentialFor(ref string) (string, error) {
	v, ok := s.lookup(ref)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, ref)
	}
	return v, nil
}

// MapStore serves fixed credentials.
type MapStore map[string]string

func (m MapStore) CredentialFor(ref string) (string, error) {
	v, ok := m[ref]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissing, ref)
	}
	return v, nil
}
