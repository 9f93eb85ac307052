package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/mymmrac/telego"

	"github.com/pylonhq/pylon/internal/channels"
)

const (
	// defaultMediaMaxBytes matches the Bot API download cap (20 MB).
	defaultMediaMaxBytes int64 = 20 << 20

	downloadRetries = 3
)

func (c *Channel) mediaMaxBytes() int64 {
	if c.cfg.MediaMaxBytes > 0 {
		return c.cfg.MediaMaxBytes
	}
	return defaultMediaMaxBytes
}

// resolveMedia downloads the message's attachment into a temp file and
// reports its kind. Photos are re-encoded for vision input. Videos are
// not downloaded; only their presence is reported, so the caption
// still reaches the agent. A failed download degrades to a kind with
// no path.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) (string, []string) {
	maxBytes := c.mediaMaxBytes()

	switch {
	case len(msg.Photo) > 0:
		// Telegram sends several resolutions; the last is the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		path, err := c.downloadFile(ctx, photo.FileID, maxBytes)
		if err != nil {
			slog.Warn("telegram.photo download failed", "file_id", photo.FileID, "error", err)
			return "image", nil
		}
		sanitized, err := channels.SanitizeImage(path)
		if err != nil {
			slog.Warn("telegram.image sanitize failed, using original", "error", err)
			sanitized = path
		}
		return "image", []string{sanitized}

	case msg.Voice != nil:
		path, err := c.downloadFile(ctx, msg.Voice.FileID, maxBytes)
		if err != nil {
			slog.Warn("telegram.voice download failed", "file_id", msg.Voice.FileID, "error", err)
			return "audio", nil
		}
		return "audio", []string{path}

	case msg.Audio != nil:
		path, err := c.downloadFile(ctx, msg.Audio.FileID, maxBytes)
		if err != nil {
			slog.Warn("telegram.audio download failed", "file_id", msg.Audio.FileID, "error", err)
			return "audio", nil
		}
		return "audio", []string{path}

	case msg.Document != nil:
		path, err := c.downloadFile(ctx, msg.Document.FileID, maxBytes)
		if err != nil {
			slog.Warn("telegram.document download failed", "file_id", msg.Document.FileID, "error", err)
			return "document", nil
		}
		return "document", []string{path}

	case msg.Video != nil || msg.VideoNote != nil || msg.Animation != nil:
		return "video", nil
	}

	return "", nil
}

// downloadFile fetches a file by id. getFile is retried with linear
// backoff since it fails transiently under long-poll churn; the size
// is checked before the transfer starts and enforced again during it.
func (c *Channel) downloadFile(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file after %d attempts: %w", downloadRetries, err)
	}

	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.cfg.Token, file.FilePath)

	path, _, err := channels.DownloadToTemp(ctx, http.DefaultClient, url, "pylon_media_", ext, maxBytes)
	if err != nil {
		return "", err
	}
	return path, nil
}
