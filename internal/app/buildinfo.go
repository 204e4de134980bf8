package app

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

var (
	// Version, Commit and BuildDate are filled by ldflags in release builds.
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

var readBuildInfo = debug.ReadBuildInfo

// BuildVersion prefers the ldflags version, then the module version recorded
// by `go install`, then "dev".
func BuildVersion() string {
	if version := strings.TrimSpace(Version); version != "" && version != "dev" {
		return version
	}
	if info, ok := readBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
	}

	return "dev"
}

// BuildCommit returns the short VCS revision, if known.
func BuildCommit() string {
	commit := strings.TrimSpace(Commit)
	if commit == "" {
		if info, ok := readBuildInfo(); ok {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
					break
				}
			}
		}
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}

	return commit
}

func BuildDateYMD() string {
	raw := strings.TrimSpace(BuildDate)
	if raw == "" {
		return ""
	}

	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.Format(time.DateOnly)
	}
	if len(raw) >= len(time.DateOnly) {
		date := raw[:len(time.DateOnly)]
		if _, err := time.Parse(time.DateOnly, date); err == nil {
			return date
		}
	}

	return raw
}

// VersionString is the one-line output of the version command.
func VersionString() string {
	out := Name + " " + BuildVersion()
	var extra []string
	if commit := BuildCommit(); commit != "" {
		extra = append(extra, commit)
	}
	if date := BuildDateYMD(); date != "" {
		extra = append(extra, date)
	}
	if len(extra) > 0 {
		out += fmt.Sprintf(" (%s)", strings.Join(extra, ", "))
	}

	return out
}

// UserAgent identifies API requests made by this build.
func UserAgent() string {
	return Name + "/" + BuildVersion()
}
