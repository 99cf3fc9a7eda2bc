package internal

// Set at build time via the go linker.
var (
	Version = "unknown"
	Commit  = "unknown"
	Built   = "unknown"
)
