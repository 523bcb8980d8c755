package version

import "runtime/debug"

// Overridden at build time with -ldflags "-X vpnshield/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

// Info describes the running detector build.
type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
	GoVersion    string `json:"goVersion,omitempty"`
	Revision     string `json:"revision,omitempty"`
}

func Get() Info {
	info := Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}

	build, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	info.GoVersion = build.GoVersion
	for _, setting := range build.Settings {
		if setting.Key == "vcs.revision" {
			info.Revision = setting.Value
		}
	}
	return info
}
