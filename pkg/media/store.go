package media

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sipeed/picoquote/pkg/fileutil"
	"github.com/sipeed/picoquote/pkg/logger"
)

// ImagesRel is the images directory relative to the data root. Stored quote
// attachments are paths under it, e.g. "quotes/images/1700000000000_1234.png".
const ImagesRel = "quotes/images"

var ErrNotFound = errors.New("image source not found")

// ImageStore saves quote attachments under <root>/quotes/images.
type ImageStore struct {
	root       string
	downloader *Downloader
	now        func() time.Time
	randSuffix func() int
}

func NewImageStore(root string, downloader *Downloader) (*ImageStore, error) {
	if downloader == nil {
		downloader = NewDownloader(0)
	}
	s := &ImageStore{
		root:       root,
		downloader: downloader,
		now:        time.Now,
		randSuffix: func() int { return 1000 + rand.IntN(9000) },
	}
	if err := os.MkdirAll(s.ImagesDir(), 0755); err != nil {
		return nil, fmt.Errorf("create images dir: %w", err)
	}
	return s, nil
}

func (s *ImageStore) Root() string {
	return s.root
}

func (s *ImageStore) ImagesDir() string {
	return filepath.Join(s.root, filepath.FromSlash(ImagesRel))
}

// SaveFromURL downloads rawURL and returns the store-relative path.
func (s *ImageStore) SaveFromURL(ctx context.Context, rawURL string) (string, error) {
	fetched, err := s.downloader.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return s.SaveBytes(fetched.Data, fetched.Ext)
}

// SaveFromFile copies a local file into the store and returns the
// store-relative path. Missing sources return ErrNotFound.
func (s *ImageStore) SaveFromFile(src string) (string, error) {
	src = strings.TrimSpace(strings.TrimPrefix(src, "file://"))
	if src == "" || !fileExists(src) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, src)
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src, err)
	}
	ext := strings.ToLower(filepath.Ext(src))
	if ext == "" {
		ext = ".jpg"
	}
	return s.SaveBytes(data, ext)
}

// SaveBytes writes data under a fresh "<ms>_<rand><ext>" name.
func (s *ImageStore) SaveBytes(data []byte, ext string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty image data")
	}
	if ext == "" {
		ext = ".jpg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	for attempt := 0; attempt < 5; attempt++ {
		name := fmt.Sprintf("%d_%d%s", s.now().UnixMilli(), s.randSuffix(), ext)
		abs := filepath.Join(s.ImagesDir(), name)
		if fileExists(abs) {
			continue
		}
		if err := fileutil.WriteFileAtomic(abs, data, 0644); err != nil {
			return "", err
		}
		rel := ImagesRel + "/" + name
		logger.DebugCF("media", "Image saved", map[string]interface{}{
			"path": rel,
			"size": len(data),
		})
		return rel, nil
	}
	return "", errors.New("could not allocate a unique image name")
}

// Abs resolves a stored attachment path. Absolute paths pass through.
func (s *ImageStore) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Exists reports whether a stored attachment is present on disk.
func (s *ImageStore) Exists(rel string) bool {
	return fileExists(s.Abs(rel))
}

// Remove deletes a stored attachment. Paths outside the images directory are
// left alone.
func (s *ImageStore) Remove(rel string) error {
	abs, err := filepath.Abs(s.Abs(rel))
	if err != nil {
		return err
	}
	dir, err := filepath.Abs(s.ImagesDir())
	if err != nil {
		return err
	}
	if r, err := filepath.Rel(dir, abs); err != nil || strings.HasPrefix(r, "..") {
		return nil
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
