// Package keystore persists the content-ID to key-material mapping used
// by the PKG key ladder. The store is a single YAML file and round-trips
// losslessly.
package keystore

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Entry holds the known key material for one content ID. Binary keys are
// stored hex-encoded.
type Entry struct {
	Passcode string `yaml:"passcode,omitempty"`
	EKPFS    string `yaml:"ekpfs,omitempty"`
	XtsTweak string `yaml:"xts_tweak,omitempty"`
	XtsData  string `yaml:"xts_data,omitempty"`
}

// Store is the loaded key database.
type Store struct {
	fs   afero.Fs
	path string

	Entries map[string]Entry `yaml:"entries"`
}

// New returns an empty, unbacked store. Saving requires a path.
func New() *Store {
	return &Store{Entries: map[string]Entry{}}
}

// Load reads the store from path on fs. A missing file yields an empty
// store bound to that path.
func Load(fs afero.Fs, path string) (*Store, error) {
	s := &Store{fs: fs, path: path, Entries: map[string]Entry{}}

	data, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key store %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse key store %s: %w", path, err)
	}

	if s.Entries == nil {
		s.Entries = map[string]Entry{}
	}

	return s, nil
}

// Save writes the store back to its path.
func (s *Store) Save() error {
	if s.fs == nil || s.path == "" {
		return fmt.Errorf("key store has no backing file")
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode key store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create key store directory: %w", err)
		}
	}

	if err := afero.WriteFile(s.fs, s.path, data, 0o600); err != nil {
		return fmt.Errorf("write key store %s: %w", s.path, err)
	}

	return nil
}

// Passcode returns the cached passcode for a content ID.
func (s *Store) Passcode(contentID string) (string, bool) {
	e, ok := s.Entries[contentID]
	if !ok || e.Passcode == "" {
		return "", false
	}
	return e.Passcode, true
}

// EKPFS returns the cached EKPFS for a content ID.
func (s *Store) EKPFS(contentID string) ([]byte, bool) {
	e, ok := s.Entries[contentID]
	if !ok || e.EKPFS == "" {
		return nil, false
	}

	key, err := hex.DecodeString(e.EKPFS)
	if err != nil {
		return nil, false
	}
	return key, true
}

// XtsKeys returns the cached explicit XTS pair for a key (a content ID or
// a content_id-digest composite).
func (s *Store) XtsKeys(key string) (tweak, data []byte, ok bool) {
	e, found := s.Entries[key]
	if !found || e.XtsTweak == "" || e.XtsData == "" {
		return nil, nil, false
	}

	tweak, err := hex.DecodeString(e.XtsTweak)
	if err != nil {
		return nil, nil, false
	}

	data, err = hex.DecodeString(e.XtsData)
	if err != nil {
		return nil, nil, false
	}

	return tweak, data, true
}

// SetPasscode caches a verified passcode.
func (s *Store) SetPasscode(contentID, passcode string) {
	e := s.Entries[contentID]
	e.Passcode = passcode
	s.Entries[contentID] = e
}

// SetEKPFS caches a verified EKPFS.
func (s *Store) SetEKPFS(contentID string, ekpfs []byte) {
	e := s.Entries[contentID]
	e.EKPFS = hex.EncodeToString(ekpfs)
	s.Entries[contentID] = e
}

// SetXtsKeys caches an explicit XTS pair under key.
func (s *Store) SetXtsKeys(key string, tweak, data []byte) {
	e := s.Entries[key]
	e.XtsTweak = hex.EncodeToString(tweak)
	e.XtsData = hex.EncodeToString(data)
	s.Entries[key] = e
}
