// Package web carries the built frontend, embedded so the binary is
// self contained. Run the web build before release to refresh dist.
package web

import "embed"

//go:embed all:dist
var StaticFiles embed.FS
