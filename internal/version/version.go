// Package version reports how the tlogplay binary was built.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/tlogplay"

// buildVersion is set via -ldflags "-X pkt.systems/tlogplay/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Dirty     bool
	GoVersion string
}

// Get collects build information from ldflags and the embedded build info.
func Get() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

// Current returns the version without a dirty suffix.
func Current() string {
	return Get().Version
}

// String formats the version, marking builds from a modified tree.
func (i Info) String() string {
	if i.Dirty {
		return i.Version + "+dirty"
	}
	return i.Version
}

func fromBuildInfo(info *debug.BuildInfo, ldflagsVersion string) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		out.GoVersion = info.GoVersion
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				out.Time, _ = time.Parse(time.RFC3339, setting.Value)
			case "vcs.modified":
				out.Dirty = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(ldflagsVersion) != "":
		out.Version = strings.TrimSuffix(strings.TrimSpace(ldflagsVersion), "+dirty")
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = strings.TrimSuffix(info.Main.Version, "+dirty")
	case out.Revision != "" && !out.Time.IsZero():
		out.Version = "v0.0.0-" + out.Time.UTC().Format("20060102150405") + "-" + shortRevision(out.Revision)
	}
	return out
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
