package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// maxImageEdge bounds the long edge of inbound images before they
	// reach the agent. Larger photos are scaled down to keep vision
	// payloads small.
	maxImageEdge = 1568

	sanitizedJPEGQuality = 85
)

// SanitizeImage re-encodes the image at path into a clean JPEG:
// metadata is dropped, EXIF orientation is baked into the pixels, and
// the long edge is capped at maxImageEdge. On success the original
// file is removed and the path of the re-encoded copy is returned.
// Corrupt or unsupported images return an error and leave the original
// in place.
func SanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if b := img.Bounds(); b.Dx() > maxImageEdge || b.Dy() > maxImageEdge {
		img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	}

	out, err := os.CreateTemp("", "pylon_img_*.jpg")
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	if err := imaging.Encode(out, img, imaging.JPEG, imaging.JPEGQuality(sanitizedJPEGQuality)); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("encode image: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	os.Remove(path)
	return out.Name(), nil
}

// DownloadToTemp streams url into a temp file named with prefix and
// ext, enforcing maxBytes. The caller owns the returned path.
func DownloadToTemp(ctx context.Context, client *http.Client, url, prefix, ext string, maxBytes int64) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("download media: status %s", resp.Status)
	}

	tmp, err := os.CreateTemp("", prefix+"*"+ext)
	if err != nil {
		return "", 0, err
	}
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxBytes+1))
	closeErr := tmp.Close()
	switch {
	case err != nil:
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("download media: %w", err)
	case written > maxBytes:
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("media exceeds %d bytes", maxBytes)
	case closeErr != nil:
		os.Remove(tmp.Name())
		return "", 0, closeErr
	}
	return tmp.Name(), written, nil
}

// KindFromMIME maps a MIME type to the coarse media kind carried on
// inbound messages: image, video, audio or document.
func KindFromMIME(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
