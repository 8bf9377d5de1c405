// Package p4json runs Perforce commands with -G and prints their records
// as JSON. The command lives in cmd/p4json; this package only carries the
// release version shared by the CLI and the MCP server.
package p4json

// Version is the p4json release version.
const Version = "0.1.0"
