package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the router's released version.
// Override at build time:
//
//	go build -ldflags "-X github.com/hrygo/divinesense-router/internal/version.Version=0.3.0"
var Version = "0.3.0"

// GitCommit is the git commit hash at build time.
var GitCommit = "unknown"

// Canonical returns v in the "vMAJOR.MINOR.PATCH" form semver expects.
func Canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// Satisfies reports whether the running version is at least min.
// An empty min is always satisfied; an unparsable one never is.
func Satisfies(min string) bool {
	if strings.TrimSpace(min) == "" {
		return true
	}
	target := Canonical(min)
	if target == "" {
		return false
	}
	current := Canonical(Version)
	if current == "" {
		// Development builds load everything.
		return true
	}
	return semver.Compare(current, target) >= 0
}

// String returns the version string with the short commit hash when known.
func String() string {
	v := Version
	if GitCommit != "" && GitCommit != "unknown" {
		shortCommit := GitCommit
		if len(shortCommit) > 8 {
			shortCommit = shortCommit[:8]
		}
		v = fmt.Sprintf("%s-%s", v, shortCommit)
	}
	return v
}
