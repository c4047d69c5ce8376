package utils

import (
	"path"
	"strings"
)

// SanitizeObjectName turns a client-supplied filename into a single safe
// object key segment.
func SanitizeObjectName(name string) string {
	clean := strings.TrimSpace(name)
	clean = strings.ReplaceAll(clean, "\\", "/")
	clean = path.Base(clean)
	clean = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f, r == '"':
			return -1
		}
		return r
	}, clean)
	if clean == "" || clean == "." || clean == ".." || clean == "/" {
		return "upload.bin"
	}
	return clean
}
