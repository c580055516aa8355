package main

import (
	"fmt"
)

// These constants define the application version and follow semantic
// versioning 2.0.0 (http://semver.org/).
const (
	appMajor uint = 0
	appMinor uint = 1
	appPatch uint = 0

	// appPreRelease is appended to the version after a hyphen.
	appPreRelease = "beta"
)

// version returns the application version as a properly formed string.
func version() string {
	v := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		v = fmt.Sprintf("%s-%s", v, appPreRelease)
	}
	return v
}
