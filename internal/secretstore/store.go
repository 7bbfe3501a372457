// Package secretstore keeps small secrets, such as the agent master key, in
// the platform's secret storage.
package secretstore

import (
	"errors"
	"fmt"

	"github.com/fieldops/uplink/internal/crypto"
)

// MasterKeyName is the name the agent master key is stored under.
const MasterKeyName = "uplink-master-key"

// ErrNotFound is returned by Get when no secret exists under the name.
var ErrNotFound = errors.New("secret not found")

type Store interface {
	Put(name string, data []byte) error
	Get(name string) ([]byte, error)
	Delete(name string) error
}

var Default Store // set in init of each platform file

// MasterKey returns the agent master key, generating and storing a new one
// on first use.
func MasterKey(s Store) ([]byte, error) {
	key, err := s.Get(MasterKeyName)
	if err == nil && len(key) == crypto.PackageKeySize {
		return key, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	key, err = crypto.Generate(crypto.PackageKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := s.Put(MasterKeyName, key); err != nil {
		return nil, fmt.Errorf("failed to store master key: %w", err)
	}
	return key, nil
}
