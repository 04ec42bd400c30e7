// Package version carries build information stamped at link time, for
// example:
//
//	go build -ldflags "-X github.com/platformbuilds/pmaxcap/internal/version.version=v0.3.1"
package version

import (
	commonversion "github.com/prometheus/common/version"
)

var (
	version   = "unknown"
	commit    = "unknown"
	buildDate = "unknown"
)

func init() {
	commonversion.Version = version
	commonversion.Revision = commit
	commonversion.BuildDate = buildDate
}

func Version() string   { return version }
func Commit() string    { return commit }
func BuildDate() string { return buildDate }

// Print returns the multi-line build summary used by -version.
func Print(program string) string {
	return commonversion.Print(program)
}
