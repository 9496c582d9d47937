package web

import "embed"

// FS contains the kiosk screen assets (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS
