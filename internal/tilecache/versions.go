package tilecache

import "runtime"

// Version of this wrapper layer.
const Version = "1.0.0"

// Versions maps component names to version strings.
type Versions map[string]string

// DefaultVersions describes the wrapper and the Go runtime, merged with
// whatever the engine reports about itself.
func DefaultVersions(engine Engine) Versions {
	out := Versions{
		"tilegate": Version,
		"go":       runtime.Version(),
	}
	if reporter, ok := engine.(VersionReporter); ok {
		for name, version := range reporter.Versions() {
			out[name] = version
		}
	}
	return out
}

// Clone returns an independent copy.
func (v Versions) Clone() Versions {
	out := make(Versions, len(v))
	for name, version := range v {
		out[name] = version
	}
	return out
}
