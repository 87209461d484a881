// Package web holds the pairing pages served by the HTTP server.
package web

import "embed"

//go:embed index.html scan.html assets
var Files embed.FS
