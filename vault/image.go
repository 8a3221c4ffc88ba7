package vault

import (
	"encoding/base64"
	"net/http"
	"path/filepath"
	"strings"
)

var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// IsImage reports whether p names a file type that can be sent to a vision
// model. Only the extension is inspected.
func IsImage(p string) bool {
	return imageExts[strings.ToLower(filepath.Ext(p))]
}

// SniffMimeType detects the image type from the first bytes of a base64
// payload. Anything unrecognized is reported as image/png.
func SniffMimeType(imageB64 string) string {
	prefix := imageB64[:min(len(imageB64), 684)] // 513 bytes, DetectContentType reads 512
	prefix = prefix[:len(prefix)/4*4]
	data, err := base64.StdEncoding.DecodeString(prefix)
	if err != nil {
		return "image/png"
	}

	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return "image/png"
	}
	return ct
}
