// Package version reports the SDK build. Release binaries set the variables
// with -ldflags; when the SDK is consumed as a library the module version is
// read from the embedding binary's build info.
package version

import (
	"fmt"
	"runtime/debug"
)

const modulePath = "github.com/agentbill/agentbill-go"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func init() {
	if Version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		Version = resolve(info, Version)
	}
}

// resolve picks the version of this module from info, falling back to
// fallback for local builds.
func resolve(info *debug.BuildInfo, fallback string) string {
	if info == nil {
		return fallback
	}
	if info.Main.Path == modulePath && validModuleVersion(info.Main.Version) {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep == nil || dep.Path != modulePath {
			continue
		}
		if dep.Replace != nil && validModuleVersion(dep.Replace.Version) {
			return dep.Replace.Version
		}
		if validModuleVersion(dep.Version) {
			return dep.Version
		}
	}
	return fallback
}

func validModuleVersion(v string) bool {
	return v != "" && v != "(devel)"
}

func String() string {
	return fmt.Sprintf("agentbill-go %s (%s, %s)", Version, Commit, Date)
}
