// Package common holds process-wide helpers shared by the binaries.
package common

// PackageName is reported as the metrics namespace.
const PackageName = "key-custody-backend"

// Version is set at build time via -ldflags "-X .../common.Version=...".
var Version = "dev"
