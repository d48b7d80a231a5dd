// Package profile persists the browsing identity shared by every request:
// one cookie jar and one user-agent string.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/flaresolverr-bridge/internal/metrics"
	"github.com/Rorqualx/flaresolverr-bridge/internal/types"
)

// Profile is the persisted identity. The JSON layout is the on-disk format.
type Profile struct {
	UserAgent string         `json:"user_agent"`
	Cookies   []types.Cookie `json:"cookies"`
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	out := Profile{UserAgent: p.UserAgent}
	if p.Cookies != nil {
		out.Cookies = make([]types.Cookie, len(p.Cookies))
		copy(out.Cookies, p.Cookies)
	}
	return out
}

// WithoutExpired returns a copy without cookies that expired before now.
func (p Profile) WithoutExpired(now time.Time) Profile {
	out := Profile{UserAgent: p.UserAgent}
	ts := float64(now.Unix())
	for _, c := range p.Cookies {
		if c.IsExpired(ts) {
			log.Debug().Str("name", c.Name).Str("domain", c.Domain).Msg("Dropping expired cookie")
			continue
		}
		out.Cookies = append(out.Cookies, c)
	}
	return out
}

// MergeCookies overlays fresh cookies onto the profile, replacing entries
// with the same name, domain and path.
func (p *Profile) MergeCookies(fresh []types.Cookie) {
	type key struct{ name, domain, path string }
	index := make(map[key]int, len(p.Cookies))
	for i, c := range p.Cookies {
		index[key{c.Name, c.Domain, c.Path}] = i
	}
	for _, c := range fresh {
		k := key{c.Name, c.Domain, c.Path}
		if i, ok := index[k]; ok {
			p.Cookies[i] = c
			continue
		}
		index[k] = len(p.Cookies)
		p.Cookies = append(p.Cookies, c)
	}
}

// Store owns the profile file. Reads return snapshots; writes are serialized
// and applied in the order they are made.
type Store struct {
	path string

	mu      sync.RWMutex
	current Profile
}

// NewStore creates a store backed by path. Call Load before use.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the profile from disk. A missing or unreadable file yields an
// empty profile; the error is logged, never returned.
func (s *Store) Load() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := readProfile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info().Str("path", s.path).Msg("No persisted profile found, starting empty")
		p = Profile{}
	case err != nil:
		log.Warn().Err(err).Str("path", s.path).Msg("Persisted profile unreadable, starting empty")
		p = Profile{}
	default:
		log.Info().
			Str("path", s.path).
			Int("cookies", len(p.Cookies)).
			Bool("has_user_agent", p.UserAgent != "").
			Msg("Persisted profile loaded")
	}

	s.current = p
	return p.Clone()
}

// Snapshot returns a copy of the in-memory profile.
func (s *Store) Snapshot() Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Save replaces the profile and writes it to disk atomically. The in-memory
// profile is replaced even when the write fails.
func (s *Store) Save(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = p.Clone()
	return s.writeLocked()
}

// Update applies fn to the current profile and persists the result.
func (s *Store) Update(fn func(*Profile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Clone()
	fn(&next)
	s.current = next
	return s.writeLocked()
}

func (s *Store) writeLocked() error {
	start := time.Now()
	err := writeAtomic(s.path, s.current)
	metrics.RecordProfileSave(err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPersistenceIO, err)
	}
	log.Debug().
		Str("path", s.path).
		Int("cookies", len(s.current.Cookies)).
		Msg("Profile saved")
	return nil
}

func readProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}

// writeAtomic replaces path with the encoded profile. renameio writes a
// synced temp file next to path and renames it into place; the directory is
// synced afterwards so the rename itself survives a crash.
func writeAtomic(path string, p Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
