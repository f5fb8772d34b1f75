// Package web bundles the server-rendered templates and static assets.
package web

import (
	"embed"
	"io/fs"
)

// Templates holds layouts, partials and pages parsed by the view engine.
//
//go:embed templates/*/*.html
var Templates embed.FS

//go:embed static
var static embed.FS

// Static returns the asset tree rooted at static/, ready for /static/ serving.
func Static() (fs.FS, error) {
	return fs.Sub(static, "static")
}
