package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ImageStore {
	t.Helper()
	s, err := NewImageStore(t.TempDir(), NewDownloader(2*time.Second))
	require.NoError(t, err)
	s.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return s
}

func TestExtensionFor(t *testing.T) {
	cases := []struct {
		ct, url, want string
	}{
		{"image/png", "https://x/y", ".png"},
		{"image/webp", "https://x/y", ".webp"},
		{"image/gif", "https://x/y", ".gif"},
		{"", "https://x/y", ".jpg"},
		{"image/png", "https://x/photo.JPEG", ".jpeg"},
		{"image/png", "https://x/archive.toolongext", ".png"},
		{"image/png", "https://multimedia.nt.qq.com.cn/download?appid=1407&fileid=abc", ".png"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExtensionFor(tc.ct, tc.url), "ct=%s url=%s", tc.ct, tc.url)
	}
}

func TestImageStore_SaveFromURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer server.Close()

	s := newTestStore(t)
	s.randSuffix = func() int { return 4242 }

	rel, err := s.SaveFromURL(context.Background(), server.URL+"/img")
	require.NoError(t, err)
	assert.Equal(t, "quotes/images/1700000000123_4242.png", rel)

	data, err := os.ReadFile(s.Abs(rel))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	_, err = s.SaveFromURL(context.Background(), server.URL+"/missing")
	assert.Error(t, err)

	_, err = s.SaveFromURL(context.Background(), "ftp://example.com/a.png")
	assert.Error(t, err)
}

func TestImageStore_SaveFromFile(t *testing.T) {
	s := newTestStore(t)

	src := filepath.Join(t.TempDir(), "orig.GIF")
	require.NoError(t, os.WriteFile(src, []byte("gif"), 0644))

	rel, err := s.SaveFromFile(src)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, ImagesRel+"/"))
	assert.True(t, strings.HasSuffix(rel, ".gif"))
	assert.True(t, s.Exists(rel))

	_, err = s.SaveFromFile(filepath.Join(t.TempDir(), "nope.png"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImageStore_NameCollisionRetries(t *testing.T) {
	s := newTestStore(t)
	suffixes := []int{1111, 1111, 2222}
	s.randSuffix = func() int {
		v := suffixes[0]
		suffixes = suffixes[1:]
		return v
	}

	first, err := s.SaveBytes([]byte("a"), ".png")
	require.NoError(t, err)
	second, err := s.SaveBytes([]byte("b"), "png")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasSuffix(second, "_2222.png"))
}

func TestImageStore_AbsAndRemove(t *testing.T) {
	s := newTestStore(t)

	assert.Equal(t, "/already/absolute.png", s.Abs("/already/absolute.png"))

	rel, err := s.SaveBytes([]byte("x"), ".jpg")
	require.NoError(t, err)
	require.NoError(t, s.Remove(rel))
	assert.False(t, s.Exists(rel))

	outside := filepath.Join(t.TempDir(), "keep.png")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))
	require.NoError(t, s.Remove(outside))
	_, err = os.Stat(outside)
	assert.NoError(t, err, "files outside the images dir are never removed")
}

func TestDownloader_DownloadTo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("webp"))
	}))
	defer server.Close()

	dir := t.TempDir()
	path, err := NewDownloader(time.Second).DownloadTo(context.Background(), server.URL+"/download", dir, "../evil")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasSuffix(path, "_evil.webp"))
}
