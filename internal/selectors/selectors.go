// Package selectors loads the challenge fingerprints used by the detector.
package selectors

import (
	"embed"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed selectors.yaml
var defaultSelectorsFS embed.FS

// Fingerprint is the set of page signals that identify one challenge kind.
type Fingerprint struct {
	Titles    []string `yaml:"titles"`
	Selectors []string `yaml:"selectors"`
	Body      []string `yaml:"body"`
	// StatusBody patterns count only on a 403 or 503 response.
	StatusBody []string `yaml:"status_body"`
}

// Empty reports whether the fingerprint has no patterns at all.
func (f Fingerprint) Empty() bool {
	return len(f.Titles) == 0 && len(f.Selectors) == 0 && len(f.Body) == 0 && len(f.StatusBody) == 0
}

// Selectors holds one fingerprint per challenge kind.
type Selectors struct {
	Block      Fingerprint `yaml:"block"`
	DDoSGuard  Fingerprint `yaml:"ddos_guard"`
	Managed    Fingerprint `yaml:"managed"`
	Cloudflare Fingerprint `yaml:"cloudflare"`
}

var (
	instance *Selectors
	once     sync.Once
)

// Get returns the embedded fingerprints, parsed once.
func Get() *Selectors {
	once.Do(func() {
		var err error
		instance, err = load()
		if err != nil {
			log.Error().Err(err).Msg("Failed to load embedded selectors, using defaults")
			instance = defaultSelectors()
		}
	})
	return instance
}

func load() (*Selectors, error) {
	data, err := defaultSelectorsFS.ReadFile("selectors.yaml")
	if err != nil {
		return nil, err
	}

	var s Selectors
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	log.Debug().
		Int("block", len(s.Block.Titles)+len(s.Block.Selectors)+len(s.Block.Body)).
		Int("ddos_guard", len(s.DDoSGuard.Titles)+len(s.DDoSGuard.Selectors)+len(s.DDoSGuard.Body)).
		Int("managed", len(s.Managed.Titles)+len(s.Managed.Selectors)+len(s.Managed.Body)).
		Int("cloudflare", len(s.Cloudflare.Titles)+len(s.Cloudflare.Selectors)+len(s.Cloudflare.Body)).
		Msg("Selectors loaded")

	return &s, nil
}

// defaultSelectors is the last resort when the embedded file cannot be parsed.
func defaultSelectors() *Selectors {
	return &Selectors{
		Block: Fingerprint{
			Titles: []string{"access denied"},
			Body:   []string{"error 1020", "sorry, you have been blocked"},
		},
		DDoSGuard: Fingerprint{
			Titles: []string{"ddos-guard"},
		},
		Managed: Fingerprint{
			Selectors: []string{".cf-turnstile", "#turnstile-wrapper"},
			Body:      []string{"challenges.cloudflare.com/turnstile"},
		},
		Cloudflare: Fingerprint{
			Titles:     []string{"just a moment"},
			Selectors:  []string{"#challenge-running", "#cf-challenge-running"},
			Body:       []string{"__cf_chl_opt"},
			StatusBody: []string{"/cdn-cgi/challenge-platform/h/"},
		},
	}
}
