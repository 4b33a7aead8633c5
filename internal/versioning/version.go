package versioning

import (
	"fmt"
	"runtime/debug"
)

// Version and Commit identify the running build. They are overridden at
// link time:
//
//	go build -ldflags "-X .../internal/versioning.Version=1.4.0 \
//	                   -X .../internal/versioning.Commit=abc1234"
//
// When not set, Commit falls back to the VCS revision embedded by the Go
// toolchain, so plain `go build` binaries still report something useful.
var (
	Version = "dev"
	Commit  = ""
)

// Info describes the running build for startup logs and health responses.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

// Get returns the build info, resolving the commit lazily.
func Get() Info {
	return Info{
		Version: Version,
		Commit:  commit(),
	}
}

// String renders the build info as "version (commit)" for log lines.
func (i Info) String() string {
	if i.Commit == "" {
		return i.Version
	}
	return fmt.Sprintf("%s (%s)", i.Version, i.Commit)
}

func commit() string {
	if Commit != "" {
		return Commit
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev, modified string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev != "" && modified == "true" {
		rev += "-dirty"
	}
	return rev
}
