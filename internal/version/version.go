// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/trade-channel/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/trade-channel/internal/version.Commit=$(git rev-parse --short HEAD)" \
//	         ./cmd/channelctl
package version

// Build-time variables (set via ldflags)
var (
	Version = "dev"
	Commit  = "unknown"
)

// String returns a formatted version string.
func String() string {
	return "channelctl " + Version + " (" + Commit + ")"
}
