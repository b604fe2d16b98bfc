// Package keystore loads the set of API keys authorized to issue broadcast
// commands. Keys are opaque bearer strings kept in a flat newline-delimited
// file; when the file is absent a fresh set is generated and persisted.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"pulsehub/internal/logging"
)

const tokenBytes = 32 // 256-bit tokens, hex encoded on disk

// KeyInfo describes one authorized key for the admin listing.
type KeyInfo struct {
	ID      string `json:"id"`
	Key     string `json:"key"`
	Preview string `json:"preview"`
}

// Store holds the authorized key set for the process lifetime. It is
// read-only after load; there is no rotation.
type Store struct {
	path string
	keys []KeyInfo
	set  map[string]struct{}
}

// LoadOrGenerate reads the key file at path, generating and persisting n
// fresh keys if it does not exist yet.
func LoadOrGenerate(path string, n int, logger logging.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		keys, genErr := generate(n)
		if genErr != nil {
			return nil, fmt.Errorf("generate api keys: %w", genErr)
		}
		if writeErr := os.WriteFile(path, []byte(strings.Join(keys, "\n")+"\n"), 0o600); writeErr != nil {
			return nil, fmt.Errorf("persist api keys to %s: %w", path, writeErr)
		}
		logger.WithFields(logging.Fields{
			"path":  path,
			"count": len(keys),
		}).Info("Generated new API key file")
		return newStore(path, keys), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read api keys from %s: %w", path, err)
	}

	var keys []string
	for _, line := range strings.Split(string(data), "\n") {
		if key := strings.TrimSpace(line); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("api key file %s contains no keys", path)
	}

	logger.WithFields(logging.Fields{
		"path":  path,
		"count": len(keys),
	}).Info("Loaded API keys")
	return newStore(path, keys), nil
}

// IsAuthorized reports whether the presented key is a member of the
// authorized set.
func (s *Store) IsAuthorized(key string) bool {
	if key == "" {
		return false
	}
	_, ok := s.set[key]
	return ok
}

// List returns all keys with their previews for the admin surface.
func (s *Store) List() []KeyInfo {
	out := make([]KeyInfo, len(s.keys))
	copy(out, s.keys)
	return out
}

// Count returns the number of authorized keys.
func (s *Store) Count() int {
	return len(s.keys)
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

func newStore(path string, keys []string) *Store {
	s := &Store{
		path: path,
		keys: make([]KeyInfo, 0, len(keys)),
		set:  make(map[string]struct{}, len(keys)),
	}
	for _, key := range keys {
		s.keys = append(s.keys, KeyInfo{
			ID:      uuid.NewString(),
			Key:     key,
			Preview: Preview(key),
		})
		s.set[key] = struct{}{}
	}
	return s
}

func generate(n int) ([]string, error) {
	if n <= 0 {
		n = 5
	}
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		buf := make([]byte, tokenBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		keys = append(keys, hex.EncodeToString(buf))
	}
	return keys, nil
}

// Preview returns a loggable abbreviation of a key. Full key values must
// never reach logs.
func Preview(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
