package web

import "embed"

// FS contains the monitor page assets (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS
