// Package loop drives the archiver: boards are processed serially within one
// loop, and loops repeat until shutdown.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ritual-archive/ritual/internal/archive"
	"github.com/ritual-archive/ritual/internal/catalog"
	"github.com/ritual-archive/ritual/internal/fetcher"
	"github.com/ritual-archive/ritual/internal/filter"
	"github.com/ritual-archive/ritual/internal/media"
	"github.com/ritual-archive/ritual/internal/metrics"
	"github.com/ritual-archive/ritual/internal/posts"
	"github.com/ritual-archive/ritual/internal/state"
	"github.com/ritual-archive/ritual/internal/storage"
	"github.com/ritual-archive/ritual/shared/config"
	"github.com/ritual-archive/ritual/shared/logger"
)

// maxConsecutiveFailures aborts the process when loops keep failing back to
// back; a transient network or database hiccup never gets this far.
const maxConsecutiveFailures = 5

// sessionRecycleThresholdSec: a loop cooldown this long leaves connections
// idle enough that recycling them beats keeping them.
const sessionRecycleThresholdSec = 15.0

// Runner owns one archiver instance: the shared fetcher, state and database
// handles, plus the per-board archive capability set.
type Runner struct {
	cfg            *config.Config
	db             *storage.Storage
	state          *state.State
	fetcher        *fetcher.Fetcher
	archiveSupport map[string]bool

	loopIndex int
}

func New(cfg *config.Config, db *storage.Storage, st *state.State, f *fetcher.Fetcher, archiveSupport map[string]bool) *Runner {
	return &Runner{
		cfg:            cfg,
		db:             db,
		state:          st,
		fetcher:        f,
		archiveSupport: archiveSupport,
		loopIndex:      1,
	}
}

// Run loops until the context is cancelled or too many consecutive loops
// fail. State is flushed on every exit path.
func (r *Runner) Run(ctx context.Context) error {
	consecutiveFailures := 0

	for {
		logger.Log.Info(fmt.Sprintf("loop #%d started", r.loopIndex))
		start := time.Now()

		err := r.runOnce(ctx)

		if saveErr := r.state.Save(); saveErr != nil {
			logger.Log.Error("failed to save state", "error", saveErr)
		}

		if ctx.Err() != nil {
			logger.Log.Info("shutting down, state saved")
			return nil
		}

		if err != nil {
			metrics.FatalErrors.Inc()
			consecutiveFailures++
			logger.Log.Error("loop failed", "loop", r.loopIndex, "failures", consecutiveFailures, "error", err)
			if consecutiveFailures >= maxConsecutiveFailures {
				return fmt.Errorf("aborting after %d consecutive loop failures: %w", consecutiveFailures, err)
			}
			fetcher.Sleep(ctx, time.Duration(consecutiveFailures)*time.Minute)
			continue
		}
		consecutiveFailures = 0

		metrics.LoopsTotal.Inc()
		metrics.LoopDuration.Observe(time.Since(start).Seconds())
		logger.Log.Info(fmt.Sprintf("loop #%d completed", r.loopIndex))
		r.loopIndex++

		if r.cfg.Pacing.LoopCooldownSec >= sessionRecycleThresholdSec {
			r.fetcher.Recycle()
		}

		logger.Log.Info(fmt.Sprintf("doing loop cooldown sleep for %gs", r.cfg.Pacing.LoopCooldownSec))
		fetcher.Sleep(ctx, time.Duration(r.cfg.Pacing.LoopCooldownSec*float64(time.Second)))
	}
}

// runOnce processes every configured board, in order.
func (r *Runner) runOnce(ctx context.Context) error {
	durations := make(map[string]time.Duration)
	boards := r.cfg.BoardNames()

	for _, board := range boards {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		start := time.Now()
		if err := r.runBoard(ctx, board); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("board %s: %w", board, err)
		}
		durations[board] = time.Since(start)
		metrics.BoardDuration.WithLabelValues(board).Observe(durations[board].Seconds())
	}

	r.logBoardDurations(boards, durations)
	return nil
}

// runBoard is the per-board pipeline: catalog, filter, posts, media. All
// database writes land before the first media download starts.
func (r *Runner) runBoard(ctx context.Context, board string) error {
	cat := catalog.New(r.fetcher, board, r.cfg.URLCatalog(board))
	if !cat.Fetch(ctx) {
		return nil
	}

	// refresh the classifier inputs for everything the catalog still shows
	for tid, thread := range cat.ThreadByID {
		bumpTime := thread.LastModified
		if bumpTime == 0 {
			bumpTime = thread.Time
		}
		r.state.UpdateThreadMeta(board, tid, cat.PageByID[tid], bumpTime)
	}
	r.state.PruneThreadMeta(board)

	seedAll := r.loopIndex == 1 && r.cfg.Cache.IgnoreThreadCache
	flt, err := filter.New(board, r.cfg.Boards[board], r.state, seedAll)
	if err != nil {
		return err
	}
	selected := flt.FilterCatalog(cat)
	metrics.ThreadsQueued.WithLabelValues(board).Add(float64(len(selected)))

	oracle := archive.New(r.fetcher, board, r.cfg.URLArchive(board), r.archiveSupport[board])
	engine := posts.New(r.db, r.fetcher, board, r.state, cat, &r.cfg.Deletion,
		func(tid int64) string { return r.cfg.URLThread(board, tid) })
	if err := engine.Run(ctx, selected, oracle); err != nil {
		return err
	}

	metrics.CatalogUpdates.WithLabelValues(board).Add(float64(engine.CatalogUpdates))
	metrics.FullFetches.WithLabelValues(board).Add(float64(engine.FullFetches))
	metrics.ThreadsClassified.WithLabelValues(board, "archived").Add(float64(engine.ArchivedCount))
	metrics.ThreadsClassified.WithLabelValues(board, "deleted").Add(float64(engine.DeletedCount))
	metrics.ThreadsClassified.WithLabelValues(board, "pruned").Add(float64(engine.PrunedCount))

	dl, err := media.New(r.db, r.fetcher, board, r.cfg)
	if err != nil {
		return err
	}
	if err := dl.Run(ctx, cat.ThreadByID, engine.ThreadPosts()); err != nil {
		return err
	}
	metrics.MediaDownloads.WithLabelValues(board, "ok").Add(float64(dl.Downloaded))
	metrics.MediaDownloads.WithLabelValues(board, "failed").Add(float64(dl.Failed))

	return nil
}

func (r *Runner) logBoardDurations(boards []string, durations map[string]time.Duration) {
	var b strings.Builder
	b.WriteString("duration for each board:\n")
	var total time.Duration
	for _, board := range boards {
		d := durations[board]
		total += d
		fmt.Fprintf(&b, "    - %-4s %.1fm\n", board, d.Minutes())
	}
	fmt.Fprintf(&b, "total duration: %.1fm", total.Minutes())
	logger.Log.Info(b.String())
}
