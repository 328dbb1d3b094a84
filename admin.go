package sinkhole

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"
)

// adminServerTimeout bounds read/write on the admin HTTP server, mirroring
// the DNS listeners' idle-timeout discipline.
const adminServerTimeout = 10 * time.Second

// AdminOptions configures the admin API listener.
type AdminOptions struct {
	ListenOptions

	// AdminKey gates /query.json, /list.json, and /all_stats.json. A
	// request missing or mismatching ?key= gets 401.
	AdminKey string

	// ShowDoc controls whether /doc is served at all.
	ShowDoc bool
}

// AdminListener is the read-only HTTP admin API described by the
// dispatcher/engine's external interface: liveness, public stats, and
// key-gated per-domain and full-list introspection.
type AdminListener struct {
	id     string
	addr   string
	opt    AdminOptions
	engine *Engine
	srv    *http.Server
	mux    *http.ServeMux
}

var _ Listener = &AdminListener{}

// NewAdminListener returns an admin API listener bound to addr, backed by
// engine for all stats/list/query data.
func NewAdminListener(id, addr string, engine *Engine, opt AdminOptions) *AdminListener {
	l := &AdminListener{
		id:     id,
		addr:   addr,
		opt:    opt,
		engine: engine,
		mux:    http.NewServeMux(),
	}
	l.mux.HandleFunc("/info.json", l.handleInfo)
	l.mux.HandleFunc("/stats.json", l.handleStats)
	l.mux.HandleFunc("/query.json", l.authenticated(l.handleQuery))
	l.mux.HandleFunc("/list.json", l.authenticated(l.handleList))
	l.mux.HandleFunc("/all_stats.json", l.authenticated(l.handleAllStats))
	l.mux.HandleFunc("/", l.handleIndex)
	l.mux.Handle("/debug/vars", expvar.Handler())
	if opt.ShowDoc {
		l.mux.HandleFunc("/doc", l.handleDoc)
	}
	return l
}

// Start runs the admin HTTP server until Stop is called.
func (l *AdminListener) Start() error {
	Log.WithFields(map[string]interface{}{"id": l.id, "addr": l.addr}).Info("starting admin listener")
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.srv = &http.Server{
		Handler:      l.mux,
		ReadTimeout:  adminServerTimeout,
		WriteTimeout: adminServerTimeout,
	}
	return l.srv.Serve(ln)
}

// Stop shuts the admin HTTP server down gracefully.
func (l *AdminListener) Stop() error {
	Log.WithFields(map[string]interface{}{"id": l.id, "addr": l.addr}).Info("stopping admin listener")
	if l.srv == nil {
		return nil
	}
	return l.srv.Shutdown(context.Background())
}

func (l *AdminListener) String() string { return l.id }

// authenticated wraps a handler so it 401s unless ?key= matches AdminKey.
// An empty AdminKey refuses every request to that endpoint, since an
// unset key means the operator has not opted into exposing it.
func (l *AdminListener) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if l.opt.AdminKey == "" || r.URL.Query().Get("key") != l.opt.AdminKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (l *AdminListener) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"crate":   Name,
		"version": BuildVersion,
	})
}

func (l *AdminListener) handleStats(w http.ResponseWriter, r *http.Request) {
	total := l.engine.TotalQueries()
	blocked := l.engine.BlockedQueries()
	ratio := 0.0
	if total > 0 {
		ratio = math.Round(float64(blocked)/float64(total)*100) / 100
	}
	writeJSON(w, map[string]interface{}{
		"blocked_ratio": ratio,
		"blocklist_len": l.engine.Len(),
		"running_since": l.engine.RunningSince().UTC().Format(time.RFC3339),
	})
}

func (l *AdminListener) handleQuery(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		http.Error(w, "missing domain parameter", http.StatusBadRequest)
		return
	}
	writeJSON(w, l.engine.Query(normalizeDomain(domain)))
}

func (l *AdminListener) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, l.engine.List())
}

func (l *AdminListener) handleAllStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"total_request":   l.engine.TotalQueries(),
		"blocked_request": l.engine.BlockedQueries(),
		"blocklist_len":   l.engine.Len(),
		"running_since":   l.engine.RunningSince().UTC().Format(time.RFC3339),
	})
}

func (l *AdminListener) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><head><title>%s</title></head><body><h1>%s %s</h1>", Name, Name, BuildVersion)
	if l.opt.ShowDoc {
		fmt.Fprint(w, `<p><a href="/doc">API documentation</a></p>`)
	}
	fmt.Fprint(w, "</body></html>")
}

func (l *AdminListener) handleDoc(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<html><head><title>API doc</title></head><body>
<h1>Admin API</h1>
<ul>
<li>GET /info.json</li>
<li>GET /stats.json</li>
<li>GET /query.json?domain=&amp;key=</li>
<li>GET /list.json?key=</li>
<li>GET /all_stats.json?key=</li>
</ul>
</body></html>`)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Log.WithError(err).Error("failed to encode admin response")
	}
}
