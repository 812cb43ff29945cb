// Package api defines the wire types shared by the HTTP server and the CLI
// client, plus conversions from registry snapshots.
package api
