package constants

import "strings"

// Magic byte signatures for the document types we accept.
var MagicBytes = map[string][]byte{
	"pdf":  []byte("%PDF"),
	"jpg":  {0xFF, 0xD8, 0xFF},
	"jpeg": {0xFF, 0xD8, 0xFF},
	"png":  {0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'},
}

// AllowedExtensions holds the file extensions the input gate accepts.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
}

// Input gate defaults; overridable via configuration.
const (
	MinFileBytes    = 100
	MaxFileSizeMB   = 50.0
	MaxPageCount    = 1000
	PreScanMaxPages = 2
)

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
