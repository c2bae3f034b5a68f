// Package buildinfo provides build-time information (version, commit, build time).
// These variables are injected at build time via -ldflags.
package buildinfo

var (
	// Version is the broker version (e.g. "v0.1.0" or "dev").
	// Set via: -ldflags "-X github.com/terrpan/atbroker/internal/buildinfo.Version=<value>"
	Version = "dev"

	// Commit is the git commit hash.
	// Set via: -ldflags "-X github.com/terrpan/atbroker/internal/buildinfo.Commit=<value>"
	Commit = "unknown"

	// BuildTime is the build timestamp (e.g. "2026-02-19T12:34:56Z").
	// Set via: -ldflags "-X github.com/terrpan/atbroker/internal/buildinfo.BuildTime=<value>"
	BuildTime = "unknown"
)

// UserAgent identifies the broker in outgoing requests.
func UserAgent() string {
	return "atbroker/" + Version
}
