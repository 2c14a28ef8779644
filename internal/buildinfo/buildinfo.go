// Package buildinfo holds version and build metadata stamped at
// compile time via ldflags, plus the three semver tags the GET
// /version endpoint returns.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// Semver tags exposed by GET /version. RequestMapping
// covers the shape of the HTTP request surface; ResourceSet covers the
// notification/resource payload schema; Module covers this binary's
// own release line. They change independently: a new endpoint bumps
// RequestMapping without touching ResourceSet, a new event field bumps
// ResourceSet without touching RequestMapping.
const (
	RequestMappingVersion = "3.0.0"
	ResourceSetVersion    = "3.0.0"
	ModuleVersion         = "1.0.0"
)

// startTime records when the process started.
var startTime = time.Now()

// Info is the payload returned from GET /version.
type Info struct {
	RequestMapping string `json:"request_mapping_version"`
	ResourceSet    string `json:"resource_set_version"`
	Module         string `json:"module_version"`
	GitCommit      string `json:"git_commit"`
	BuildTime      string `json:"build_time"`
}

// VersionInfo returns the GET /version payload.
func VersionInfo() Info {
	return Info{
		RequestMapping: RequestMappingVersion,
		ResourceSet:    ResourceSetVersion,
		Module:         ModuleVersion,
		GitCommit:      GitCommit,
		BuildTime:      BuildTime,
	}
}

// BuildInfo returns compile-time and platform metadata for logs and
// startup banners.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("pyde1d %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
