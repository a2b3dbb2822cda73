package version

// Version is the application version, overridden at build time with
// -ldflags "-X github.com/alvmarrod/sunweaver/internal/version.Version=..."
var Version = "0.3.0"
