package sinkhole

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeList(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return "file://" + p
}

func TestEngineRebuildBlocksConfiguredDomain(t *testing.T) {
	dir := t.TempDir()
	listURL := writeList(t, dir, "block.txt", "ads.example\n")

	e := NewEngine(EngineOptions{BlockURLs: []string{listURL}, CacheDir: t.TempDir()})
	require.NoError(t, e.Rebuild(context.Background(), true))

	require.True(t, e.IsBlocked("ads.example"))
	require.False(t, e.IsBlocked("other.example"))
	require.Equal(t, 1, e.Len())
}

func TestEngineLenCountsUnionAcrossLists(t *testing.T) {
	dir := t.TempDir()
	list1 := writeList(t, dir, "a.txt", "ads.example\ntracker.example\n")
	list2 := writeList(t, dir, "b.txt", "ads.example\nbeacon.example\n")

	e := NewEngine(EngineOptions{BlockURLs: []string{list1, list2}, CacheDir: t.TempDir()})
	require.NoError(t, e.Rebuild(context.Background(), true))

	// ads.example counted once even though both lists contributed it.
	require.Equal(t, 3, e.Len())
}

func TestEngineAllowOverridesBlock(t *testing.T) {
	dir := t.TempDir()
	blockList := writeList(t, dir, "block.txt", "ads.example\n")
	allowList := writeList(t, dir, "allow.txt", "*.ads.example\n")

	e := NewEngine(EngineOptions{
		BlockURLs:         []string{blockList},
		AllowURLs:         []string{allowList},
		IncludeSubdomains: true,
		CacheDir:          t.TempDir(),
	})
	require.NoError(t, e.Rebuild(context.Background(), true))

	require.False(t, e.IsBlocked("tracker.ads.example"))
}

func TestEngineFailedListSurfacedInList(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(EngineOptions{
		BlockURLs: []string{"http://127.0.0.1:1/missing.txt"},
		CacheDir:  dir,
	})
	require.NoError(t, e.Rebuild(context.Background(), false))

	require.False(t, e.IsBlocked("anything."))
	descriptors := e.List()
	require.Len(t, descriptors, 1)
	require.Equal(t, "Error", descriptors[0].State)
}

func TestEngineQueryReportsContributingLists(t *testing.T) {
	dir := t.TempDir()
	listURL := writeList(t, dir, "block.txt", "ads.example\n")

	e := NewEngine(EngineOptions{BlockURLs: []string{listURL}, CacheDir: t.TempDir()})
	require.NoError(t, e.Rebuild(context.Background(), true))

	results := e.Query("tracker.ads.example")
	r, ok := results["ads.example"]
	require.True(t, ok)
	require.Equal(t, []string{listURL}, r.Lists)
	require.False(t, r.Allowed)
}

func TestEngineStatsReflectCounters(t *testing.T) {
	e := NewEngine(EngineOptions{CacheDir: t.TempDir()})
	for i := 0; i < 100; i++ {
		e.CountTotal()
	}
	for i := 0; i < 10; i++ {
		e.CountBlocked()
	}
	require.Equal(t, uint64(100), e.TotalQueries())
	require.Equal(t, uint64(10), e.BlockedQueries())
}

func TestEngineHTTPFetchFallsBackToCacheOnRebuild(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.Write([]byte("ads.example\n"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	e := NewEngine(EngineOptions{BlockURLs: []string{srv.URL + "/list.txt"}, CacheDir: cacheDir})
	require.NoError(t, e.Rebuild(context.Background(), false))
	require.True(t, e.IsBlocked("ads.example"))

	require.NoError(t, e.Rebuild(context.Background(), false))
	require.True(t, e.IsBlocked("ads.example"))
	descriptors := e.List()
	require.Len(t, descriptors, 1)
	require.Equal(t, "UpdateFailed", descriptors[0].State)
}
