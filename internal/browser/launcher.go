// Package browser drives the single Chrome instance used to clear challenges.
package browser

import (
	"fmt"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
)

// Options configures how Chrome is launched.
type Options struct {
	BrowserPath  string
	Headless     bool
	WindowWidth  int
	WindowHeight int

	// ProxyURL is passed as --proxy-server. It points at the local bridge,
	// which carries the upstream credentials Chrome cannot.
	ProxyURL string

	// UserAgent is used when the seed carries none.
	UserAgent string
}

// newLauncher builds a launcher with flags tuned to look like a regular
// desktop browser. Launchers are single use.
func newLauncher(opts Options) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	// Headed under Xvfb unless asked otherwise; headless mode is easier to fingerprint.
	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Delete("headless")
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if opts.ProxyURL != "" {
		l = l.Set("proxy-server", opts.ProxyURL)
		l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")
	}

	l = l.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("disable-features", "IsolateOrigins,site-per-process,Translate,OptimizationHints")

	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader")

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	width, height := opts.WindowWidth, opts.WindowHeight
	if width <= 0 || height <= 0 {
		width, height = 1920, 1080
	}
	l = l.Set("window-size", fmt.Sprintf("%d,%d", width, height))

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote")

	if runtime.GOARCH == "arm64" || runtime.GOARCH == "arm" {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}
