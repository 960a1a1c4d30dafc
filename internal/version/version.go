// Package version exposes the build version stamped via -ldflags.
package version

var Version = "dev"
