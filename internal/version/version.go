// ABOUTME: Build and product identification
// ABOUTME: Reported in logs, monitor status and mDNS TXT records
package version

// Version is overridden at link time with -ldflags "-X .../internal/version.Version=..."
var Version = "0.4.0-dev"

const (
	// Product is the human-readable product name
	Product = "HiResTI Audio Core"

	// Manufacturer identifies the maintainer in discovery records
	Manufacturer = "hiresti"
)

// UserAgent is sent by the monitor client and embedded in pulse client properties
func UserAgent() string {
	return "hiresti/" + Version
}
