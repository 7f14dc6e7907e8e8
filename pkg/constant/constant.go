package constant

import (
	"path"
	"strings"
)

const (
	_  = iota
	KB = 1 << (10 * iota)
	MB
	GB
	TB
)

// DefaultMaxFileSize is the largest remote file downloaded when no limit is
// configured.
const DefaultMaxFileSize = 100 * MB

// supportedMimeTypes lists the file types the knowledge store can process,
// keyed by lower-case extension.
var supportedMimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".md":   "text/markdown",
	".txt":  "text/plain",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".html": "text/html",
	".htm":  "text/html",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":  "text/csv",
}

// MimeTypeForFile returns the MIME type of a supported file name. The second
// value is false for unsupported types.
func MimeTypeForFile(name string) (string, bool) {
	mt, ok := supportedMimeTypes[strings.ToLower(path.Ext(name))]
	return mt, ok
}
