package common

// Version is set at build time via -ldflags.
var Version = "dev"

const (
	PackageName = "github.com/ruteri/spacestore"

	// MetricsNamespace prefixes every Prometheus metric exported by this module.
	MetricsNamespace = "spacestore"
)
