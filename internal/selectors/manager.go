package selectors

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ReloadStats contains statistics about selector reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      string    `json:"lastError,omitempty"`
}

// Manager serves the current fingerprints and optionally follows an override
// file on disk. Reads are lock-free.
type Manager struct {
	embedded     *Selectors
	current      atomic.Pointer[Selectors]
	externalPath string
	watcher      *fsnotify.Watcher
	stopCh       chan struct{}
	wg           sync.WaitGroup

	mu     sync.Mutex // serializes reloads
	stats  ReloadStats
	closed bool
}

// NewManager creates a Manager. With an empty externalPath only the embedded
// fingerprints are used. A bad override file is logged and ignored.
func NewManager(externalPath string, hotReload bool) (*Manager, error) {
	m := &Manager{
		embedded:     Get(),
		externalPath: externalPath,
		stopCh:       make(chan struct{}),
	}
	m.current.Store(m.embedded)

	if externalPath == "" {
		return m, nil
	}

	if err := m.Reload(); err != nil {
		log.Warn().
			Err(err).
			Str("path", externalPath).
			Msg("Failed to load external selectors, using embedded defaults")
	}

	if hotReload {
		if err := m.startWatcher(); err != nil {
			return m, fmt.Errorf("watch %s: %w", externalPath, err)
		}
		log.Info().Str("path", externalPath).Msg("Hot-reload enabled for selectors file")
	}

	return m, nil
}

// Static returns a Manager over fixed fingerprints, for tests and tools.
func Static(s *Selectors) *Manager {
	m := &Manager{embedded: s, stopCh: make(chan struct{})}
	m.current.Store(s)
	return m
}

// Get returns the fingerprints currently in effect.
func (m *Manager) Get() *Selectors {
	return m.current.Load()
}

// Reload re-reads the override file. On failure the previous fingerprints
// stay in effect.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.externalPath == "" {
		return errors.New("no external selectors path configured")
	}

	data, err := os.ReadFile(m.externalPath)
	if err != nil {
		m.stats.LastError = err.Error()
		return fmt.Errorf("read selectors file: %w", err)
	}

	var external Selectors
	if err := yaml.Unmarshal(data, &external); err != nil {
		m.stats.LastError = err.Error()
		return fmt.Errorf("parse selectors file: %w", err)
	}
	if err := external.Validate(); err != nil {
		m.stats.LastError = err.Error()
		return err
	}

	m.current.Store(merge(&external, m.embedded))
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = ""

	log.Info().
		Str("path", m.externalPath).
		Int64("reload_count", m.stats.ReloadCount).
		Msg("Selectors reloaded")
	return nil
}

// Stats returns reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Close stops the watcher. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	var err error
	if m.watcher != nil {
		err = m.watcher.Close()
	}
	m.wg.Wait()
	return err
}

// Validate requires at least one pattern somewhere.
func (s *Selectors) Validate() error {
	if s.Block.Empty() && s.DDoSGuard.Empty() && s.Managed.Empty() && s.Cloudflare.Empty() {
		return errors.New("selectors file defines no patterns")
	}
	return nil
}

// merge fills every empty list of external from fallback.
func merge(external, fallback *Selectors) *Selectors {
	return &Selectors{
		Block:      mergeFingerprint(external.Block, fallback.Block),
		DDoSGuard:  mergeFingerprint(external.DDoSGuard, fallback.DDoSGuard),
		Managed:    mergeFingerprint(external.Managed, fallback.Managed),
		Cloudflare: mergeFingerprint(external.Cloudflare, fallback.Cloudflare),
	}
}

func mergeFingerprint(external, fallback Fingerprint) Fingerprint {
	out := external
	if len(out.Titles) == 0 {
		out.Titles = fallback.Titles
	}
	if len(out.Selectors) == 0 {
		out.Selectors = fallback.Selectors
	}
	if len(out.Body) == 0 {
		out.Body = fallback.Body
	}
	if len(out.StatusBody) == 0 {
		out.StatusBody = fallback.StatusBody
	}
	return out
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(m.externalPath); err != nil {
		watcher.Close()
		return fmt.Errorf("watch file: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

// watchFile reloads on write/create, coalescing bursts of events.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounce *time.Timer

	reload := func() {
		if err := m.Reload(); err != nil {
			log.Warn().
				Err(err).
				Str("path", m.externalPath).
				Msg("Hot-reload failed, keeping previous selectors")
		}
	}

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Selectors file changed")

			if debounce == nil {
				debounce = time.AfterFunc(debounceDelay, reload)
			} else {
				debounce.Reset(debounceDelay)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
