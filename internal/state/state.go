// Package state holds the persistent caches that let consecutive loops skip
// redundant network and database work. None of them are authoritative; the
// relational tables are.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ritual-archive/ritual/shared/logger"
)

// ThreadStats is the per-thread reply bookkeeping behind catalog incremental
// updates.
type ThreadStats struct {
	Replies           int   `json:"replies"`
	Images            int   `json:"images"`
	MostRecentReplyNo int64 `json:"most_recent_reply_no"`
}

// ThreadMeta is [page, bump_time], the inputs of the deletion classifier.
type ThreadMeta [2]int64

func (m ThreadMeta) Page() int64     { return m[0] }
func (m ThreadMeta) BumpTime() int64 { return m[1] }

const httpCacheLimit = 500

// State owns the four cache maps and their JSON files under the cache dir.
type State struct {
	dir string

	threadCache map[string]map[int64]int64
	threadStats map[string]map[int64]ThreadStats
	threadMeta  map[string]map[int64]ThreadMeta

	httpCache      map[string]string
	httpCacheOrder []string
}

func New(dir string) *State {
	s := &State{
		dir:         dir,
		threadCache: make(map[string]map[int64]int64),
		threadStats: make(map[string]map[int64]ThreadStats),
		threadMeta:  make(map[string]map[int64]ThreadMeta),
		httpCache:   make(map[string]string),
	}
	s.read()
	return s
}

func (s *State) path(name string) string { return filepath.Join(s.dir, name) }

// read loads every cache file; missing or corrupt files start empty.
func (s *State) read() {
	readJSON(s.path("thread_cache.json"), &s.threadCache)
	readJSON(s.path("thread_stats.json"), &s.threadStats)
	readJSON(s.path("thread_meta.json"), &s.threadMeta)
	readJSON(s.path("http_cache.json"), &s.httpCache)
	for url := range s.httpCache {
		s.httpCacheOrder = append(s.httpCacheOrder, url)
	}
}

// Save writes every cache file atomically (sibling temp + rename).
func (s *State) Save() error {
	files := []struct {
		name string
		v    any
	}{
		{"thread_cache.json", s.threadCache},
		{"http_cache.json", s.httpCache},
		{"thread_stats.json", s.threadStats},
		{"thread_meta.json", s.threadMeta},
	}
	for _, f := range files {
		if err := writeJSONAtomic(s.path(f.name), f.v); err != nil {
			return fmt.Errorf("failed to save state file %s: %w", f.name, err)
		}
	}
	return nil
}

func readJSON(path string, v any) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		logger.Log.Warn("ignoring unreadable cache file", "path", path, "error", err)
	}
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// IsThreadModified reports whether the thread should be re-fetched based on
// the catalog last_modified value. The cache entry is refreshed either way.
func (s *State) IsThreadModified(board string, tid, lastModified int64) bool {
	if s.threadCache[board] == nil {
		s.threadCache[board] = make(map[int64]int64)
	}
	cached, seen := s.threadCache[board][tid]
	s.threadCache[board][tid] = lastModified

	if !seen {
		// new thread
		return true
	}
	if lastModified != 0 && cached != 0 && lastModified != cached {
		return true
	}
	return false
}

// PruneThreadCache enforces the per-board bound after a catalog scan.
func (s *State) PruneThreadCache(board string) {
	if m := s.threadCache[board]; m != nil {
		boundedEvict(m, maxPerBoard, evictionSlack, func(lm int64) int64 { return lm })
	}
}

// ThreadCacheLen reports the current per-board entry count.
func (s *State) ThreadCacheLen(board string) int { return len(s.threadCache[board]) }

// ThreadStats returns the cached stats for a thread, if tracked.
func (s *State) ThreadStats(board string, tid int64) (ThreadStats, bool) {
	st, ok := s.threadStats[board][tid]
	return st, ok
}

// SetThreadStats records stats and enforces the per-board bound, dropping the
// entries with the lowest most_recent_reply_no first.
func (s *State) SetThreadStats(board string, tid int64, st ThreadStats) {
	if s.threadStats[board] == nil {
		s.threadStats[board] = make(map[int64]ThreadStats)
	}
	s.threadStats[board][tid] = st
	boundedEvict(s.threadStats[board], maxPerBoard, evictionSlack, func(v ThreadStats) int64 { return v.MostRecentReplyNo })
}

// HTTPLastModified returns the cached Last-Modified header for a URL.
func (s *State) HTTPLastModified(url string) string { return s.httpCache[url] }

// SetHTTPLastModified records a Last-Modified header, dropping the
// insertion-oldest entry when over the bound. An empty value removes the URL.
func (s *State) SetHTTPLastModified(url, lastModified string) {
	if lastModified == "" {
		delete(s.httpCache, url)
		return
	}
	if _, exists := s.httpCache[url]; !exists {
		s.httpCacheOrder = append(s.httpCacheOrder, url)
	}
	s.httpCache[url] = lastModified

	for len(s.httpCache) > httpCacheLimit && len(s.httpCacheOrder) > 0 {
		oldest := s.httpCacheOrder[0]
		s.httpCacheOrder = s.httpCacheOrder[1:]
		delete(s.httpCache, oldest)
	}
}

// UpdateThreadMeta refreshes page positions and bump times from catalog data.
func (s *State) UpdateThreadMeta(board string, tid int64, page int, bumpTime int64) {
	if s.threadMeta[board] == nil {
		s.threadMeta[board] = make(map[int64]ThreadMeta)
	}
	s.threadMeta[board][tid] = ThreadMeta{int64(page), bumpTime}
}

// PruneThreadMeta enforces the per-board bound, dropping oldest bump times.
func (s *State) PruneThreadMeta(board string) {
	if m := s.threadMeta[board]; m != nil {
		boundedEvict(m, maxPerBoard, evictionSlack, func(v ThreadMeta) int64 { return v.BumpTime() })
	}
}

// ThreadMeta returns [page, bump_time] for a tracked thread.
func (s *State) ThreadMeta(board string, tid int64) (ThreadMeta, bool) {
	m, ok := s.threadMeta[board][tid]
	return m, ok
}

// RemoveThreadMeta stops tracking a thread after it was classified as
// archived, deleted or pruned. Callers invoke this only after DB writes.
func (s *State) RemoveThreadMeta(board string, tid int64) {
	delete(s.threadMeta[board], tid)
}

// TrackedThreads returns the set of thread ids with meta for a board.
func (s *State) TrackedThreads(board string) map[int64]struct{} {
	tids := make(map[int64]struct{}, len(s.threadMeta[board]))
	for tid := range s.threadMeta[board] {
		tids[tid] = struct{}{}
	}
	return tids
}
