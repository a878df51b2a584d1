// Package version holds build metadata set through -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag the binary was built from.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata for `trackpipe version`.
func String() string {
	return fmt.Sprintf("trackpipe %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
