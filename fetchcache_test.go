package sinkhole

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchCacheFileScheme(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(p, []byte("ads.example\n"), 0o644))

	fc := NewFetchCache(t.TempDir())
	content, errs := fc.Get(context.Background(), "file://"+p, true, true)
	require.Empty(t, errs)
	require.Equal(t, "ads.example\n", string(content))
}

func TestFetchCacheHTTPFetchAndCacheWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ads.example\n"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	fc := NewFetchCache(cacheDir)
	content, errs := fc.Get(context.Background(), srv.URL+"/lists/ads.txt", false, true)
	require.Empty(t, errs)
	require.Equal(t, "ads.example\n", string(content))

	u, _ := url.Parse(srv.URL + "/lists/ads.txt")
	cached, err := os.ReadFile(fc.cacheFilename(u))
	require.NoError(t, err)
	require.Equal(t, content, cached)
}

func TestFetchCacheFallsBackOnFetchFailure(t *testing.T) {
	cacheDir := t.TempDir()
	fc := NewFetchCache(cacheDir)

	u, _ := url.Parse("http://127.0.0.1:1/lists/ads.txt")
	require.NoError(t, os.WriteFile(fc.cacheFilename(u), []byte("cached.example\n"), 0o644))

	content, errs := fc.Get(context.Background(), u.String(), false, true)
	require.Contains(t, errs, "restore from cache")
	require.Equal(t, "cached.example\n", string(content))
}

func TestFetchCacheNoFallbackReturnsError(t *testing.T) {
	fc := NewFetchCache(t.TempDir())
	content, errs := fc.Get(context.Background(), "http://127.0.0.1:1/lists/ads.txt", false, true)
	require.Nil(t, content)
	require.NotEmpty(t, errs)
}

func TestCacheFilenameNaming(t *testing.T) {
	fc := NewFetchCache("/cache")
	u, _ := url.Parse("https://example.com/lists/ads.txt")
	require.Equal(t, filepath.Join("/cache", "lists-ads.txt"), fc.cacheFilename(u))

	u2, _ := url.Parse("https://example.com/lists/ads.txt?v=2")
	require.Equal(t, filepath.Join("/cache", "lists-ads.txt--v=2"), fc.cacheFilename(u2))
}
