package agent

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/uriafranko/clawdbot/internal/providers"
)

const (
	// maxImageBytes is the safety limit for reading attachment files.
	maxImageBytes = 10 * 1024 * 1024

	// maxImageEdge is the longest edge the provider accepts without
	// server-side resizing; anything larger is downscaled locally.
	maxImageEdge = 1568
)

// loadImages reads local image attachments, downscales oversized ones, and
// returns base64 payloads for the provider.
func loadImages(paths []string) []providers.ImageContent {
	var images []providers.ImageContent
	for _, p := range paths {
		if img, ok := loadImage(p); ok {
			images = append(images, img)
		}
	}
	return images
}

// loadImage reads one attachment. Non-image paths are dropped silently;
// unreadable or oversized files are dropped with a warning.
func loadImage(p string) (providers.ImageContent, bool) {
	mime := inferImageMime(p)
	if mime == "" {
		return providers.ImageContent{}, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		slog.Warn("agent: failed to read image attachment", "path", p, "error", err)
		return providers.ImageContent{}, false
	}
	if len(data) > maxImageBytes {
		slog.Warn("agent: image attachment too large, skipping", "path", p, "size", len(data))
		return providers.ImageContent{}, false
	}

	data, mime = fitImage(data, mime)
	return providers.ImageContent{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, true
}

// fitImage downscales a JPEG or PNG whose long edge exceeds maxImageEdge.
// Other formats, undecodable data, and already-small images pass through.
func fitImage(data []byte, mime string) ([]byte, string) {
	switch mime {
	case "image/jpeg", "image/png":
	default:
		return data, mime
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return data, mime
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageEdge && bounds.Dy() <= maxImageEdge {
		return data, mime
	}

	fitted := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)

	format := imaging.PNG
	if mime == "image/jpeg" {
		format = imaging.JPEG
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, fitted, format, imaging.JPEGQuality(85)); err != nil {
		slog.Warn("agent: image re-encode failed, sending original", "error", err)
		return data, mime
	}

	slog.Debug("agent: downscaled image attachment",
		"from", bounds.Max, "to", fitted.Bounds().Max, "bytes", buf.Len())
	return buf.Bytes(), mime
}

// inferImageMime returns the MIME type for supported image extensions, or
// "" when the path is not an image.
func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
