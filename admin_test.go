package sinkhole

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func testEngineWithBlockedDomain(t *testing.T, d Domain) *Engine {
	t.Helper()
	e := NewEngine(EngineOptions{CacheDir: t.TempDir()})
	s := e.snapshot()
	s.trie.insert(d, 0)
	s.blockURLs = []string{"https://example.com/block.txt"}
	s.blockInfo = []ListDescriptor{{State: "Ok", Len: 1, URL: s.blockURLs[0], Type: "block"}}
	return e
}

func TestAdminInfo(t *testing.T) {
	l := NewAdminListener("admin", "127.0.0.1:0", NewEngine(EngineOptions{}), AdminOptions{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/info.json", nil)
	l.handleInfo(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, Name, body["crate"])
	require.Equal(t, BuildVersion, body["version"])
}

func TestAdminStatsNoRequestsYet(t *testing.T) {
	l := NewAdminListener("admin", "127.0.0.1:0", NewEngine(EngineOptions{}), AdminOptions{})
	rec := httptest.NewRecorder()
	l.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats.json", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 0.0, body["blocked_ratio"])
}

func TestAdminStatsReportsBlockedRatio(t *testing.T) {
	e := NewEngine(EngineOptions{})
	e.CountTotal()
	e.CountTotal()
	e.CountTotal()
	e.CountTotal()
	e.CountBlocked()
	l := NewAdminListener("admin", "127.0.0.1:0", e, AdminOptions{})

	rec := httptest.NewRecorder()
	l.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats.json", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 0.25, body["blocked_ratio"])
}

func TestAdminQueryRequiresAuth(t *testing.T) {
	e := testEngineWithBlockedDomain(t, Domain("ads.example.com"))
	l := NewAdminListener("admin", "127.0.0.1:0", e, AdminOptions{AdminKey: "secret"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query.json?domain=ads.example.com", nil)
	l.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/query.json?domain=ads.example.com&key=wrong", nil)
	l.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminQueryWithValidKey(t *testing.T) {
	e := testEngineWithBlockedDomain(t, Domain("ads.example.com"))
	l := NewAdminListener("admin", "127.0.0.1:0", e, AdminOptions{AdminKey: "secret"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query.json?domain=ads.example.com&key=secret", nil)
	l.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "ads.example.com")
	require.Equal(t, []string{"https://example.com/block.txt"}, body["ads.example.com"].Lists)
}

func TestAdminQueryMissingDomainParam(t *testing.T) {
	l := NewAdminListener("admin", "127.0.0.1:0", NewEngine(EngineOptions{}), AdminOptions{AdminKey: "secret"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/query.json?key=secret", nil)
	l.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEmptyAdminKeyAlwaysRefuses(t *testing.T) {
	e := testEngineWithBlockedDomain(t, Domain("ads.example.com"))
	l := NewAdminListener("admin", "127.0.0.1:0", e, AdminOptions{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/list.json?key=", nil)
	l.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminListAndAllStats(t *testing.T) {
	e := testEngineWithBlockedDomain(t, Domain("ads.example.com"))
	e.CountTotal()
	e.CountBlocked()
	l := NewAdminListener("admin", "127.0.0.1:0", e, AdminOptions{AdminKey: "secret"})

	rec := httptest.NewRecorder()
	l.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/list.json?key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ListDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, "block", list[0].Type)

	rec = httptest.NewRecorder()
	l.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/all_stats.json?key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, float64(1), stats["total_request"])
	require.Equal(t, float64(1), stats["blocked_request"])
}

func TestAdminIndexAndDoc(t *testing.T) {
	l := NewAdminListener("admin", "127.0.0.1:0", NewEngine(EngineOptions{}), AdminOptions{ShowDoc: true})

	rec := httptest.NewRecorder()
	l.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), Name)

	rec = httptest.NewRecorder()
	l.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "/query.json")
}

func TestAdminDebugVars(t *testing.T) {
	l := NewAdminListener("admin", "127.0.0.1:0", NewEngine(EngineOptions{}), AdminOptions{})
	rec := httptest.NewRecorder()
	l.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestAdminDocDisabledByDefault(t *testing.T) {
	l := NewAdminListener("admin", "127.0.0.1:0", NewEngine(EngineOptions{}), AdminOptions{})
	rec := httptest.NewRecorder()
	l.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doc", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotContains(t, rec.Body.String(), "/query.json")
}
