// Package webui embeds the built configuration editor SPA served by the
// admin listener.
package webui

import "embed"

//go:embed all:dist
var Dist embed.FS

const Root = "dist"
