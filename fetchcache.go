package sinkhole

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fetchTimeout = 30 * time.Minute

// FetchCache retrieves list content from file:// or http(s):// URLs, caching
// the http(s) responses to disk so a later fetch failure can fall back to
// the last good copy. Adapted from the teacher's HTTPLoader, but the cache
// file naming and fallback semantics follow the ingestion pipeline's
// contract rather than a content hash.
type FetchCache struct {
	CacheDir string
	Client   *http.Client
}

// NewFetchCache returns a FetchCache writing to cacheDir, creating it if
// necessary is the caller's responsibility (Engine.Rebuild does this once
// per rebuild).
func NewFetchCache(cacheDir string) *FetchCache {
	return &FetchCache{CacheDir: cacheDir, Client: http.DefaultClient}
}

// Get retrieves rawURL's content. For file:// URLs it always reads the
// path directly. For http(s) URLs: if restoreFromCache is true and a cache
// file exists, the cached bytes are returned without a network call;
// otherwise it fetches, optionally writes the cache on success, and falls
// back to any existing cache file on failure. The returned errs string
// accumulates human-readable diagnostics regardless of whether content was
// ultimately returned.
func (c *FetchCache) Get(ctx context.Context, rawURL string, restoreFromCache, cacheOnFetch bool) (content []byte, errs string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Sprintf("invalid list url %q: %v\n", rawURL, err)
	}

	if u.Scheme == "file" || u.Scheme == "" {
		path := u.Path
		if path == "" {
			path = rawURL
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Sprintf("reading %s: %v\n", path, err)
		}
		return b, ""
	}

	cacheFile := c.cacheFilename(u)
	if restoreFromCache {
		if b, err := os.ReadFile(cacheFile); err == nil {
			return b, ""
		}
	}

	b, err := c.fetch(ctx, rawURL)
	if err != nil {
		errs += fmt.Sprintf("fetching %s: %v\n", rawURL, err)
		if cached, cerr := os.ReadFile(cacheFile); cerr == nil {
			errs += "restore from cache\n"
			return cached, errs
		}
		return nil, errs
	}

	if cacheOnFetch {
		if err := c.writeCache(cacheFile, b); err != nil {
			errs += fmt.Sprintf("writing cache for %s: %v\n", rawURL, err)
		}
	}
	return b, errs
}

func (c *FetchCache) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var buf []byte
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		buf = append(buf, scanner.Bytes()...)
		buf = append(buf, '\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *FetchCache) writeCache(name string, content []byte) (err error) {
	f, err := os.CreateTemp(c.CacheDir, "sinkholed")
	if err != nil {
		return err
	}
	defer func() {
		tmp := f.Name()
		f.Close()
		if err == nil {
			err = os.Rename(tmp, name)
		}
		os.Remove(tmp)
	}()
	_, err = f.Write(content)
	return err
}

// cacheFilename derives the on-disk cache file name from a URL: path
// separators become "-", a leading "-" is stripped, and a query string (if
// any) is appended as "--<query>".
func (c *FetchCache) cacheFilename(u *url.URL) string {
	name := strings.ReplaceAll(u.Path, "/", "-")
	name = strings.TrimPrefix(name, "-")
	if name == "" {
		name = u.Host
	}
	if u.RawQuery != "" {
		name += "--" + u.RawQuery
	}
	return filepath.Join(c.CacheDir, name)
}
