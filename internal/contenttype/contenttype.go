// Package contenttype picks the Content-Type stored with uploaded objects.
package contenttype

import (
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Fallback is returned when nothing better is known.
const Fallback = "application/octet-stream"

// Sniffers classify many web assets as text/plain, so the common ones are
// pinned by extension. Matching is exact: STYLE.CSS is sniffed.
var byExtension = map[string]string{
	".css":  "text/css",
	".html": "text/html",
	".js":   "text/javascript",
	".json": "application/json",
	".svg":  "image/svg+xml",
}

// Resolve returns the MIME type for the file at path. It never fails.
func Resolve(path string) string {
	if t, ok := byExtension[filepath.Ext(path)]; ok {
		return t
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil || mt == nil {
		return Fallback
	}
	return mt.String()
}
