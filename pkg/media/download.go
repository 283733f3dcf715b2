// Package media stores quote images under the data directory and downloads
// remote images for the chat channels.
package media

import (
	"context"
	"fmt"
	"mime"
	neturl "net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sipeed/picoquote/pkg/fileutil"
	"github.com/sipeed/picoquote/pkg/utils"
)

const (
	defaultTimeout  = 20 * time.Second
	maxDownloadSize = 20 << 20
)

// Downloader fetches remote images over HTTP.
type Downloader struct {
	client *resty.Client
}

func NewDownloader(timeout time.Duration) *Downloader {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetHeader("User-Agent", "picoquote/1.0")
	return &Downloader{client: client}
}

// Fetched is a downloaded body plus the extension derived for it.
type Fetched struct {
	Data []byte
	Ext  string
}

// Fetch downloads rawURL. Non-2xx responses and oversized bodies are errors.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (*Fetched, error) {
	if !IsRemoteURL(rawURL) {
		return nil, fmt.Errorf("not an http(s) url: %q", rawURL)
	}

	resp, err := d.client.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("download %s: unexpected status %d", rawURL, resp.StatusCode())
	}

	body := resp.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("download %s: empty body", rawURL)
	}
	if len(body) > maxDownloadSize {
		return nil, fmt.Errorf("download %s: body exceeds %d bytes", rawURL, maxDownloadSize)
	}

	return &Fetched{
		Data: body,
		Ext:  ExtensionFor(resp.Header().Get("Content-Type"), rawURL),
	}, nil
}

// DownloadTo fetches rawURL into dir and returns the local path. nameHint is
// used for the file name when it is usable.
func (d *Downloader) DownloadTo(ctx context.Context, rawURL, dir, nameHint string) (string, error) {
	fetched, err := d.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}

	name := utils.SanitizeFilename(strings.TrimSpace(nameHint))
	if name == "" || name == "." {
		name = "image"
	}
	if filepath.Ext(name) == "" {
		name += fetched.Ext
	}

	target := filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().UnixNano(), name))
	if err := fileutil.WriteFileAtomic(target, fetched.Data, 0644); err != nil {
		return "", err
	}
	return target, nil
}

// ExtensionFor picks an image extension from the Content-Type header, then
// lets a short extension in the URL path override it. Defaults to ".jpg".
func ExtensionFor(contentType, rawURL string) string {
	ext := ".jpg"
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		ext = ".png"
	case strings.Contains(ct, "webp"):
		ext = ".webp"
	case strings.Contains(ct, "gif"):
		ext = ".gif"
	}

	if u, err := neturl.Parse(rawURL); err == nil {
		if guess := path.Ext(path.Base(u.Path)); guess != "" && len(guess) <= 5 {
			ext = strings.ToLower(guess)
		}
	}
	return ext
}

// MimeFor returns the MIME type for an image path, defaulting to image/jpeg.
func MimeFor(p string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); t != "" {
		return t
	}
	return "image/jpeg"
}

func IsRemoteURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
