package main

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed ui
var embeddedFiles embed.FS

// uiHandler serves the embedded browser UI.
func uiHandler() http.Handler {
	sub, err := fs.Sub(embeddedFiles, "ui")
	if err != nil {
		// ui is embedded at build time; a failure here is a build defect.
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
