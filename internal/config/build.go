package config

import "fmt"

// Linker-injected build metadata, for example:
//
//	go build -ldflags "-X crmrelay/internal/config.version=1.2.3 \
//	    -X crmrelay/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X crmrelay/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}

// String renders the build info for startup logs.
func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (%s, built %s)", b.Version, b.Commit, b.BuildTime)
}
