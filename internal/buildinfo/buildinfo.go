// Package buildinfo reports the clima version and build metadata.
//
// Release builds stamp the variables below with -ldflags "-X". Builds
// made with plain "go build" or "go install" fall back to the VCS
// settings the toolchain embeds in the binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

var started = time.Now()

var vcs = sync.OnceValues(func() (revision, when string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	modified := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			when = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if revision != "" && modified {
		revision += "-dirty"
	}
	return revision, when
})

// Commit is the stamped commit, the embedded VCS revision, or "unknown".
func Commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	if rev, _ := vcs(); rev != "" {
		return rev
	}
	return "unknown"
}

// Built is the stamped build time, the embedded commit time, or "unknown".
func Built() string {
	if BuildTime != "" {
		return BuildTime
	}
	if _, when := vcs(); when != "" {
		return when
	}
	return "unknown"
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// Info is the detail printed by "clima version".
func Info() map[string]string {
	return map[string]string{
		"commit":   Commit(),
		"built":    Built(),
		"go":       runtime.Version(),
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// UserAgent identifies clima on outbound HTTP requests.
func UserAgent() string {
	return "clima/" + Version + " (+" + runtime.GOOS + ")"
}

// String is the one-line version banner.
func String() string {
	return fmt.Sprintf("clima %s (%s, %s)", Version, Commit(), Built())
}
