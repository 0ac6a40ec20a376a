package web

import "embed"

// FS contains the embedded rates monitor page (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS
