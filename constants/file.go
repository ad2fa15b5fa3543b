package constants

import "strings"

// AllowedExtensions holds the file extensions accepted by the importers.
var AllowedExtensions = map[string]struct{}{
	"csv":  {},
	"xlsx": {},
	"txt":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
