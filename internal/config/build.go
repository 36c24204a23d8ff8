package config

import "fmt"

// Set at link time, for example:
//
//	go build -ldflags "-X notifyd/internal/config.version=1.2.3 \
//	    -X notifyd/internal/config.commit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo constructs a BuildInfo from the linker-injected variables.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

// UserAgent is sent on outbound provider requests.
func (b BuildInfo) UserAgent(service string) string {
	return fmt.Sprintf("%s/%s (%s)", service, b.Version, b.Commit)
}
