// Package version reports segswarm build information.
//
// Release builds inject Version, Commit and Date via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/segswarm/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/segswarm/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/segswarm/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Builds without ldflags fall back to the VCS stamp the Go toolchain
// embeds, so `go install` binaries still report their commit.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "segswarm"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// GetInfo returns the build information, filling gaps from the embedded
// VCS stamp.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// shortCommit abbreviates a commit SHA, or returns "" when unknown.
func (i Info) shortCommit() string {
	if i.Commit == "unknown" || len(i.Commit) < 8 {
		return ""
	}
	if i.Modified {
		return i.Commit[:8] + "-dirty"
	}
	return i.Commit[:8]
}

// JSON returns the version information as a JSON document.
func JSON() string {
	b, err := json.Marshal(GetInfo())
	if err != nil {
		return "{}"
	}
	return string(b)
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if c := info.shortCommit(); c != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, c, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the name, version and abbreviated commit.
func Short() string {
	if c := GetInfo().shortCommit(); c != "" {
		return fmt.Sprintf("%s %s (%s)", ApplicationName, Version, c)
	}
	return fmt.Sprintf("%s %s", ApplicationName, Version)
}

// UserAgent returns the default User-Agent of origin requests and peer
// websocket dials.
func UserAgent() string {
	return ApplicationName + "/" + Version
}
