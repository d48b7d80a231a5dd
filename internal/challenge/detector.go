// Package challenge classifies anti-bot pages and drives the wait-until-clear loop.
package challenge

import (
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/Rorqualx/flaresolverr-bridge/internal/selectors"
)

// Kind identifies the vendor variant of a challenge page.
type Kind int

// Kind values. The order of checks in Detect follows this list from Block down.
const (
	KindNone Kind = iota
	KindCloudflareJS
	KindManaged
	KindDDoSGuard
	KindBlock
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindCloudflareJS:
		return "js-challenge"
	case KindManaged:
		return "managed-challenge"
	case KindDDoSGuard:
		return "ddos-guard"
	case KindBlock:
		return "block"
	default:
		return "none"
	}
}

// Snapshot is what the detector sees of a page at one instant.
type Snapshot struct {
	URL        string
	Title      string
	StatusCode int
	Headers    map[string]string
	HTML       string
}

// header returns a response header value, case-insensitively.
func (s Snapshot) header(name string) string {
	for k, v := range s.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// FingerprintSource supplies the current fingerprints. *selectors.Manager
// satisfies it.
type FingerprintSource interface {
	Get() *selectors.Selectors
}

// Detector classifies snapshots.
type Detector struct {
	source FingerprintSource
}

// NewDetector creates a Detector. A nil source uses the embedded fingerprints.
func NewDetector(source FingerprintSource) *Detector {
	if source == nil {
		source = selectors.Static(selectors.Get())
	}
	return &Detector{source: source}
}

// Detect returns the challenge kind present in snap, or KindNone.
func (d *Detector) Detect(snap Snapshot) Kind {
	sel := d.source.Get()

	title := snap.Title
	if title == "" {
		title = TitleFromHTML(snap.HTML)
	}
	p := page{
		title:  strings.ToLower(title),
		body:   strings.ToLower(snap.HTML),
		status: snap.StatusCode,
	}
	if snap.HTML != "" {
		parsed, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
		if err != nil {
			log.Debug().Err(err).Msg("Failed to parse page HTML for selector checks")
		} else {
			p.doc = parsed
		}
	}

	// Block wording shows up in articles and support pages too, so text
	// markers only count on an error response.
	if p.matchesDOM(sel.Block) || p.matchesStatusBody(sel.Block) ||
		(p.matchesText(sel.Block) && p.blockStatus()) {
		return KindBlock
	}

	server := strings.ToLower(snap.header("server"))
	if p.matches(sel.DDoSGuard) ||
		(strings.Contains(server, "ddos-guard") && isChallengeStatus(snap.StatusCode)) {
		return KindDDoSGuard
	}

	if p.matches(sel.Managed) ||
		strings.EqualFold(snap.header("cf-mitigated"), "challenge") {
		return KindManaged
	}

	if p.matches(sel.Cloudflare) ||
		(strings.Contains(server, "cloudflare") && isChallengeStatus(snap.StatusCode)) {
		return KindCloudflareJS
	}

	return KindNone
}

func isChallengeStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusServiceUnavailable
}

// page is a snapshot prepared for matching: title and body lower-cased, doc
// nil when there is no parsable markup.
type page struct {
	title  string
	body   string
	doc    *goquery.Document
	status int
}

// blockStatus reports whether the response looks like a refusal. Snapshots
// without a status (zero) need the vendor named on the page.
func (p page) blockStatus() bool {
	switch p.status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	case 0:
		return strings.Contains(p.title, "cloudflare") || strings.Contains(p.body, "cloudflare")
	default:
		return false
	}
}

// matches reports whether any signal of fp is present.
func (p page) matches(fp selectors.Fingerprint) bool {
	return p.matchesText(fp) || p.matchesDOM(fp) || p.matchesStatusBody(fp)
}

func (p page) matchesText(fp selectors.Fingerprint) bool {
	for _, t := range fp.Titles {
		if t != "" && strings.Contains(p.title, strings.ToLower(t)) {
			return true
		}
	}
	return containsAny(p.body, fp.Body)
}

func (p page) matchesDOM(fp selectors.Fingerprint) bool {
	if p.doc == nil {
		return false
	}
	for _, s := range fp.Selectors {
		if s == "" {
			continue
		}
		// goquery treats an invalid selector as matching nothing.
		if p.doc.Find(s).Length() > 0 {
			return true
		}
	}
	return false
}

// matchesStatusBody checks the markers that also appear on cleared pages and
// only mean a challenge on a 403 or 503 response.
func (p page) matchesStatusBody(fp selectors.Fingerprint) bool {
	return isChallengeStatus(p.status) && containsAny(p.body, fp.StatusBody)
}

func containsAny(body string, patterns []string) bool {
	for _, b := range patterns {
		if b != "" && strings.Contains(body, strings.ToLower(b)) {
			return true
		}
	}
	return false
}

// TitleFromHTML extracts the text of the first <title> element.
func TitleFromHTML(doc string) string {
	if doc == "" {
		return ""
	}
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) != "title" {
				continue
			}
			if z.Next() == html.TextToken {
				return strings.TrimSpace(string(z.Text()))
			}
			return ""
		}
	}
}
