package buildinfo

import (
	"runtime"

	"github.com/storyloom/storyloom/core/infra/logging"
)

// Set at link time via -ldflags "-X .../buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Fields returns build metadata for status endpoints and CLI output.
func Fields() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"build_date": Date,
		"go":         runtime.Version(),
	}
}

// Log records the build metadata under the service's component name.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "build_date", Date)
}
