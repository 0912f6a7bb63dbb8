package creds

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/skybridge-io/skybridge/pkg/models"
)

// ErrUnknownAccount is returned when no credentials exist under a ref
var ErrUnknownAccount = errors.New("unknown account")

const nonceSize = 24

// Store keeps site credentials under short refs so callers can log in by
// ref instead of resending passwords. The table is sealed with a secretbox
// key and written atomically; the nonce is prefixed to the ciphertext.
type Store struct {
	mu    sync.Mutex
	path  string
	key   [32]byte
	table map[string]storedCred
}

type storedCred struct {
	models.Credentials
	SavedAt time.Time `json:"savedAt"`
}

// NewStore opens the store at path, decrypting it with a 32-byte key. A
// missing file starts an empty store; a file sealed with a different key is
// an error.
func NewStore(path string, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	s := &Store{
		path:  path,
		table: make(map[string]storedCred),
	}
	copy(s.key[:], key)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential store: %w", err)
	}
	if len(data) < nonceSize {
		return nil, fmt.Errorf("credential store is corrupt: %d bytes", len(data))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("failed to decrypt credential store")
	}
	if err := json.Unmarshal(plain, &s.table); err != nil {
		return nil, fmt.Errorf("failed to parse credential store: %w", err)
	}
	return s, nil
}

// Get returns the credentials saved under ref
func (s *Store) Get(ref string) (models.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.table[ref]
	if !ok {
		return models.Credentials{}, fmt.Errorf("%w: %s", ErrUnknownAccount, ref)
	}
	return c.Credentials, nil
}

// Put saves credentials under ref, replacing any previous entry
func (s *Store) Put(ref string, c models.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table[ref] = storedCred{Credentials: c, SavedAt: time.Now()}
	return s.persist()
}

// Delete removes the entry under ref
func (s *Store) Delete(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.table[ref]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, ref)
	}
	delete(s.table, ref)
	return s.persist()
}

// Refs lists saved accounts without their passwords, sorted by ref
func (s *Store) Refs() []models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Account, 0, len(s.table))
	for ref, c := range s.table {
		out = append(out, models.Account{
			Ref:     ref,
			Email:   c.Email,
			SavedAt: c.SavedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// Len reports the number of saved accounts
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

// persist seals the table and swaps it into place. Callers hold s.mu.
func (s *Store) persist() error {
	plain, err := json.Marshal(s.table)
	if err != nil {
		return fmt.Errorf("failed to encode credential store: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &s.key)

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create credential store dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace credential store: %w", err)
	}
	return nil
}
