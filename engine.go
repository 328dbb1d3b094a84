package sinkhole

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ListDescriptor describes one configured list as surfaced by the admin
// API's /list.json endpoint.
type ListDescriptor struct {
	State  string `json:"state"` // "Ok" | "UpdateFailed" | "Error"
	Len    int    `json:"len"`
	URL    string `json:"url"`
	Type   string `json:"type"` // "block" | "allow"
	Errors string `json:"errors,omitempty"`
}

// QueryResult is one ancestor match returned by Engine.Query, keyed by the
// matched domain suffix.
type QueryResult struct {
	Lists   []string `json:"lists"`
	Allowed bool     `json:"allowed"`
}

// snapshot is the immutable published state of one rebuild. Engine holds
// exactly one active snapshot at a time; readers borrow it for the
// duration of a single operation and never see a partially built one.
type snapshot struct {
	trie      *trie
	blockURLs []string // index i -> url, parallel to trie source bit i
	blockInfo []ListDescriptor
	allowInfo []ListDescriptor
	failed    []ListDescriptor
}

// EngineOptions configures one Engine instance.
type EngineOptions struct {
	BlockURLs         []string
	AllowURLs         []string
	CacheDir          string
	IncludeSubdomains bool
}

// Engine owns the active blocklist snapshot and the process-lifetime
// query counters. All public methods are safe for concurrent use; exactly
// one rebuild runs at a time (serialized by rebuildMu), while reads run
// concurrently against whatever snapshot was active when they started.
type Engine struct {
	opt EngineOptions
	fc  *FetchCache

	mu     sync.RWMutex
	active *snapshot

	rebuildMu sync.Mutex

	totalQueries   atomic.Uint64
	blockedQueries atomic.Uint64
	startedAt      time.Time
}

// NewEngine returns an Engine with an empty snapshot; call Rebuild before
// serving queries, or queries simply forward upstream until the first
// rebuild completes.
func NewEngine(opt EngineOptions) *Engine {
	return &Engine{
		opt:       opt,
		fc:        NewFetchCache(opt.CacheDir),
		active:    &snapshot{trie: newTrie()},
		startedAt: time.Now(),
	}
}

// Rebuild fetches and parses every configured block and allow list and
// atomically publishes a fresh snapshot. A failure to fetch or parse any
// single list only removes that list's contribution; it never aborts the
// rebuild as a whole.
func (e *Engine) Rebuild(ctx context.Context, restoreFromCache bool) error {
	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()

	if e.opt.CacheDir != "" {
		if err := os.MkdirAll(e.opt.CacheDir, 0o755); err != nil {
			return fmt.Errorf("creating cache dir: %w", err)
		}
	}

	t := newTrie()
	var blockURLs []string
	var blockInfo []ListDescriptor
	var failed []ListDescriptor

	for i, u := range e.opt.BlockURLs {
		content, fetchErrs := e.fc.Get(ctx, u, restoreFromCache, true)
		if content == nil {
			failed = append(failed, ListDescriptor{State: "Error", URL: u, Type: "block", Errors: fetchErrs})
			blockURLs = append(blockURLs, u)
			continue
		}
		res, err := Parse(bytes.NewReader(content), u)
		if err != nil {
			if perr, ok := err.(*ParseError); ok {
				fetchErrs += perr.msg()
			} else {
				fetchErrs += err.Error() + "\n"
			}
			failed = append(failed, ListDescriptor{State: "Error", URL: u, Type: "block", Errors: fetchErrs})
			blockURLs = append(blockURLs, u)
			continue
		}

		novel := 0
		for _, d := range res.Entries {
			if already := t.insert(d, i); !already {
				novel++
			}
		}
		state := "Ok"
		if fetchErrs != "" {
			state = "UpdateFailed"
		}
		blockInfo = append(blockInfo, ListDescriptor{State: state, Len: novel, URL: u, Type: "block", Errors: fetchErrs})
		blockURLs = append(blockURLs, u)
	}

	var allowInfo []ListDescriptor
	for _, u := range e.opt.AllowURLs {
		content, fetchErrs := e.fc.Get(ctx, u, restoreFromCache, true)
		if content == nil {
			failed = append(failed, ListDescriptor{State: "Error", URL: u, Type: "allow", Errors: fetchErrs})
			continue
		}
		res, err := Parse(bytes.NewReader(content), u)
		if err != nil {
			if perr, ok := err.(*ParseError); ok {
				fetchErrs += perr.msg()
			} else {
				fetchErrs += err.Error() + "\n"
			}
			failed = append(failed, ListDescriptor{State: "Error", URL: u, Type: "allow", Errors: fetchErrs})
			continue
		}

		novel := 0
		for _, d := range res.Entries {
			wildcard := strings.HasPrefix(string(d), "*.")
			domain := d
			if wildcard {
				domain = d[2:]
			}
			t.allow(domain, wildcard)
			novel++
		}
		state := "Ok"
		if fetchErrs != "" {
			state = "UpdateFailed"
		}
		allowInfo = append(allowInfo, ListDescriptor{State: state, Len: novel, URL: u, Type: "allow", Errors: fetchErrs})
	}

	t.shrinkToFit()

	next := &snapshot{
		trie:      t,
		blockURLs: blockURLs,
		blockInfo: blockInfo,
		allowInfo: allowInfo,
		failed:    failed,
	}

	e.mu.Lock()
	e.active = next
	e.mu.Unlock()
	return nil
}

func (e *Engine) snapshot() *snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// IsBlocked reports whether domain is blocked under the current snapshot.
// Counter bookkeeping is the dispatcher's responsibility (CountTotal,
// CountBlocked) since a request can be rejected before this is ever
// called (e.g. multi-question SERVFAIL).
func (e *Engine) IsBlocked(d Domain) bool {
	return e.snapshot().trie.blocked(d, e.opt.IncludeSubdomains)
}

// CountTotal records one inbound request.
func (e *Engine) CountTotal() { e.totalQueries.Add(1) }

// CountBlocked records one blocked verdict.
func (e *Engine) CountBlocked() { e.blockedQueries.Add(1) }

// Len returns the number of blocked domains in the active snapshot.
func (e *Engine) Len() int {
	return e.snapshot().trie.len()
}

// List returns every configured list's current descriptor: successfully
// loaded block and allow lists, plus any that failed outright.
func (e *Engine) List() []ListDescriptor {
	s := e.snapshot()
	out := make([]ListDescriptor, 0, len(s.blockInfo)+len(s.allowInfo)+len(s.failed))
	out = append(out, s.blockInfo...)
	out = append(out, s.allowInfo...)
	out = append(out, s.failed...)
	return out
}

// Query returns every ancestor match of domain in the active snapshot,
// keyed by the matched suffix, with the contributing list URLs resolved
// from their trie source bits.
func (e *Engine) Query(d Domain) map[string]QueryResult {
	s := e.snapshot()
	matches := s.trie.query(d)
	out := make(map[string]QueryResult, len(matches))
	for _, m := range matches {
		urls := make([]string, 0, len(m.Sources))
		for _, idx := range m.Sources {
			if idx >= 0 && idx < len(s.blockURLs) {
				urls = append(urls, s.blockURLs[idx])
			}
		}
		out[m.Suffix] = QueryResult{Lists: urls, Allowed: m.Allowed}
	}
	return out
}

// TotalQueries returns the process-lifetime total query count.
func (e *Engine) TotalQueries() uint64 { return e.totalQueries.Load() }

// BlockedQueries returns the process-lifetime blocked query count.
func (e *Engine) BlockedQueries() uint64 { return e.blockedQueries.Load() }

// RunningSince returns the time the Engine was created.
func (e *Engine) RunningSince() time.Time { return e.startedAt }
