// Package archive answers "did the remote archive this thread" for the
// missing-thread classifier.
package archive

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/ritual-archive/ritual/internal/fetcher"
	"github.com/ritual-archive/ritual/shared/logger"
)

// Oracle lazily fetches a board's archive index on first use and keeps the
// answer for the rest of the loop. A fetch failure (or a board without
// archive support) makes the oracle answer false until a new Oracle is built
// for the next loop.
type Oracle struct {
	fetcher *fetcher.Fetcher
	board   string
	url     string

	supported bool
	fetched   bool
	tids      map[int64]struct{}

	group singleflight.Group
}

func New(f *fetcher.Fetcher, board, url string, supported bool) *Oracle {
	return &Oracle{fetcher: f, board: board, url: url, supported: supported}
}

// IsArchived reports whether the remote's archive index lists tid.
func (o *Oracle) IsArchived(ctx context.Context, tid int64) bool {
	if !o.supported {
		return false
	}
	if !o.fetched {
		// at most one archive.json request per board per loop, even with
		// concurrent callers
		o.group.Do(o.board, func() (any, error) {
			o.load(ctx)
			return nil, nil
		})
	}
	if o.tids == nil {
		return false
	}
	_, ok := o.tids[tid]
	return ok
}

func (o *Oracle) load(ctx context.Context) {
	o.fetched = true

	logger.Log.Info("fetching archive index", "board", o.board)
	var tids []int64
	status, _ := o.fetcher.FetchJSON(ctx, o.url, &tids)
	if status != fetcher.Fresh {
		return
	}

	o.tids = make(map[int64]struct{}, len(tids))
	for _, tid := range tids {
		o.tids[tid] = struct{}{}
	}
	logger.Log.Info("loaded archived thread ids", "board", o.board, "count", len(o.tids))
}

// boardsResponse is the slice of boards.json the capability probe needs.
type boardsResponse struct {
	Boards []struct {
		Board      string `json:"board"`
		IsArchived int    `json:"is_archived"`
	} `json:"boards"`
}

// ProbeSupport fetches boards.json once at startup and returns the set of
// boards advertising an archive. On failure the set is empty, so every oracle
// answers false for this run.
func ProbeSupport(ctx context.Context, f *fetcher.Fetcher, url string) map[string]bool {
	var resp boardsResponse
	status, _ := f.FetchJSON(ctx, url, &resp)
	if status != fetcher.Fresh {
		logger.Log.Warn("could not probe board archive support; assuming none", "url", url)
		return map[string]bool{}
	}

	supported := make(map[string]bool, len(resp.Boards))
	for _, b := range resp.Boards {
		if b.IsArchived == 1 {
			supported[b.Board] = true
		}
	}
	return supported
}
