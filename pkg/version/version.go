// Package version holds the build version, overridable via -ldflags at build time.
package version

// Version is the build version string, injected at build time via
// -ldflags="-X captionlens/pkg/version.Version=...". Defaults to "dev".
var Version = "dev"
