// Package buildinfo holds version metadata stamped at link time:
//
//	go build -ldflags "-X github.com/nugget/blendchat/internal/buildinfo.Version=v0.3.0"
//
// Without ldflags, the commit and time fall back to the VCS stamp the Go
// toolchain embeds in module builds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	applyVCS(bi.Settings)
}

// applyVCS fills GitCommit and BuildTime from embedded vcs.* settings
// when ldflags left them unset.
func applyVCS(settings []debug.BuildSetting) {
	var revision, vcsTime string
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			vcsTime = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if GitCommit == "unknown" && revision != "" {
		GitCommit = revision[:min(12, len(revision))]
		if dirty {
			GitCommit += "-dirty"
		}
	}
	if BuildTime == "unknown" && vcsTime != "" {
		BuildTime = vcsTime
	}
}

// Info returns build and runtime details for `blendchat version`.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("blendchat %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("blendchat/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
