// Package version records the version of the caravel binary.
package version

// Version indicates which version of the binary is running. It is set to
// the latest release tag by hand, suffixed by "+unknown"; release builds
// replace it at link time.
var Version = "v0.4.0+unknown"
