// Package version provides build version information.
// Version is set at build time via ldflags:
// go build -ldflags "-X github.com/Rorqualx/flaresolverr-bridge/pkg/version.Version=3.3.21"
package version

import "runtime"

// Version is the FlareSolverr protocol version reported to clients. Some
// clients refuse to talk to servers older than 3.x, so the default tracks the
// upstream release this bridge is compatible with.
var Version = "3.3.21"

// UserAgent is used when the persisted profile has no user-agent yet.
var UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// Full returns the full version string.
func Full() string {
	return Version
}

// GoVersion returns the Go runtime version.
func GoVersion() string {
	return runtime.Version()
}
