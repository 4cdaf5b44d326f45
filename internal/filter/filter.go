// Package filter selects the catalog threads worth processing this loop.
package filter

import (
	"fmt"
	"regexp"

	"github.com/ritual-archive/ritual/internal/catalog"
	"github.com/ritual-archive/ritual/internal/domain"
	"github.com/ritual-archive/ritual/internal/state"
	"github.com/ritual-archive/ritual/shared/config"
	"github.com/ritual-archive/ritual/shared/logger"
)

// Filter applies the board's archive rules and the last-modified cache to a
// fetched catalog. Patterns are compiled once per loop, at construction.
type Filter struct {
	board string
	rule  *config.BoardRule
	state *state.State

	// seedAll is set on the first loop after a restart when the operator
	// chose ignore_thread_cache: every thread passes once and reseeds the
	// cache.
	seedAll bool

	whitelist *regexp.Regexp
	blacklist *regexp.Regexp
}

func New(board string, rule *config.BoardRule, st *state.State, seedAll bool) (*Filter, error) {
	f := &Filter{board: board, rule: rule, state: st, seedAll: seedAll}

	var err error
	if rule.Whitelist != "" {
		if f.whitelist, err = regexp.Compile(`(?i)` + rule.Whitelist); err != nil {
			return nil, fmt.Errorf("failed to compile whitelist for %s: %w", board, err)
		}
	}
	if rule.Blacklist != "" {
		if f.blacklist, err = regexp.Compile(`(?i)` + rule.Blacklist); err != nil {
			return nil, fmt.Errorf("failed to compile blacklist for %s: %w", board, err)
		}
	}
	return f, nil
}

// FilterCatalog returns the threads to process, keyed by thread id. The
// last-modified cache is updated for every scanned thread and pruned after
// the scan.
func (f *Filter) FilterCatalog(cat *catalog.Catalog) map[int64]*domain.CatalogThread {
	selected := make(map[int64]*domain.CatalogThread)
	notModified := 0

	for _, page := range cat.Pages {
		for _, thread := range page.Threads {
			subjectText := domain.ExtractText(thread.Sub)
			commentText := domain.ExtractText(thread.Com)

			if !f.ShouldArchive(subjectText, commentText) {
				continue
			}

			if f.seedAll {
				selected[thread.No] = thread
				f.state.IsThreadModified(f.board, thread.No, thread.LastModified)
				continue
			}

			if !f.state.IsThreadModified(f.board, thread.No, thread.LastModified) {
				notModified++
				continue
			}

			selected[thread.No] = thread
		}
	}

	f.state.PruneThreadCache(f.board)

	msg := ""
	if notModified > 0 {
		msg = fmt.Sprintf("%d thread(s) are unmodified. ", notModified)
	}
	if f.seedAll {
		msg = "Ignoring last modified timestamps on first loop. "
	}
	logger.Log.Info(fmt.Sprintf("%s%d thread(s) are modified and will be queued.", msg, len(selected)), "board", f.board)

	return selected
}

// ShouldArchive decides from plain text whether a thread passes the board's
// min-chars gates and black/white lists.
//
//   - Blacklist takes precedence over whitelist.
//   - Only a blacklist: skip blacklisted threads, archive everything else.
//   - Only a whitelist: archive whitelisted threads, skip everything else.
//   - No lists: archive everything.
func (f *Filter) ShouldArchive(subject, comment string) bool {
	if n := f.rule.OpCommentMinChars; n > 0 && len([]rune(comment)) < n {
		return false
	}
	if n := f.rule.OpCommentMinCharsUnique; n > 0 && uniqueRunes(comment) < n {
		return false
	}

	if f.blacklist != nil {
		if subject != "" && f.blacklist.MatchString(subject) {
			return false
		}
		if comment != "" && f.blacklist.MatchString(comment) {
			return false
		}
	}

	if f.whitelist != nil {
		if subject != "" && f.whitelist.MatchString(subject) {
			return true
		}
		if comment != "" && f.whitelist.MatchString(comment) {
			return true
		}
		return false
	}

	return true
}

func uniqueRunes(s string) int {
	seen := make(map[rune]struct{}, len(s))
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen)
}
