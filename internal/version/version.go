package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/kernelx"

// buildVersion is set via -ldflags "-X pkt.systems/kernelx/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Modified  bool
	GoVersion string
}

// String renders "module version (go version)".
func (i Info) String() string {
	return i.Module + " " + i.Version + " (" + i.GoVersion + ")"
}

// Read returns the build info of the running binary.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown", GoVersion: runtime.Version()}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		if info.GoVersion != "" {
			out.GoVersion = info.GoVersion
		}
		var vcsTime string
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				vcsTime = setting.Value
			case "vcs.modified":
				out.Modified = setting.Value == "true"
			}
		}
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			out.Version = strings.TrimSuffix(v, "+dirty")
		} else if v := pseudoVersion(out.Revision, vcsTime); v != "" {
			out.Version = v
		}
	}
	if v := strings.TrimSpace(override); v != "" {
		out.Version = v
	}
	return out
}

func pseudoVersion(revision, vcsTime string) string {
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
}
