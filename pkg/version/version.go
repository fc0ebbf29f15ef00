package version

// Build information. Populated at build-time via -ldflags.
var (
	Version    = "1.0.0"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)
