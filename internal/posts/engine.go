// Package posts turns a filtered catalog into post rows: it picks between
// catalog incremental updates and full thread fetches, classifies threads
// that vanished from the catalog, and writes the results.
package posts

import (
	"context"
	"fmt"
	"time"

	"github.com/ritual-archive/ritual/internal/catalog"
	"github.com/ritual-archive/ritual/internal/domain"
	"github.com/ritual-archive/ritual/internal/fetcher"
	"github.com/ritual-archive/ritual/internal/state"
	"github.com/ritual-archive/ritual/internal/storage"
	"github.com/ritual-archive/ritual/shared/config"
	"github.com/ritual-archive/ritual/shared/logger"
)

// DeletionKind is the classifier's verdict on a thread missing from the
// catalog.
type DeletionKind int

const (
	Inconclusive DeletionKind = iota
	Archived
	Deleted
	Pruned
)

func (k DeletionKind) String() string {
	switch k {
	case Archived:
		return "archived"
	case Deleted:
		return "deleted"
	case Pruned:
		return "pruned"
	default:
		return "inconclusive"
	}
}

// Oracle answers whether a thread made it into the board's remote archive.
type Oracle interface {
	IsArchived(ctx context.Context, tid int64) bool
}

// recentWindow bounds the database side of missing-thread detection.
const recentWindow = time.Hour

// threadResponse is the thread endpoint's payload.
type threadResponse struct {
	Posts []*domain.Post `json:"posts"`
}

// Engine processes one board for one loop iteration.
type Engine struct {
	db       *storage.Storage
	fetcher  *fetcher.Fetcher
	board    string
	state    *state.State
	catalog  *catalog.Catalog
	deletion *config.Deletion
	urlFor   func(tid int64) string

	// injectable for classifier tests
	now func() time.Time

	// collected posts per thread, handed to the media stage afterwards
	threadPosts map[int64][]*domain.Post

	// Stats of the last Run, for the loop log line and metrics.
	CatalogUpdates int
	FullFetches    int
	ArchivedCount  int
	DeletedCount   int
	PrunedCount    int
}

func New(db *storage.Storage, f *fetcher.Fetcher, board string, st *state.State, cat *catalog.Catalog, deletion *config.Deletion, urlFor func(tid int64) string) *Engine {
	return &Engine{
		db:          db,
		fetcher:     f,
		board:       board,
		state:       st,
		catalog:     cat,
		deletion:    deletion,
		urlFor:      urlFor,
		now:         time.Now,
		threadPosts: make(map[int64][]*domain.Post),
	}
}

// ThreadPosts returns the posts gathered in the last Run, keyed by thread id.
// The media stage iterates these after all database writes are done.
func (e *Engine) ThreadPosts() map[int64][]*domain.Post { return e.threadPosts }

// Run fetches and persists posts for the selected threads and settles the fate
// of threads that dropped out of the catalog. Selected is the filter's output,
// a subset of the catalog.
func (e *Engine) Run(ctx context.Context, selected map[int64]*domain.CatalogThread, oracle Oracle) error {
	tids := make([]int64, 0, len(selected))
	for tid := range selected {
		tids = append(tids, tid)
	}
	existing, err := e.db.ExistingPostNums(ctx, e.board, tids)
	if err != nil {
		return err
	}

	missing, tidsArchived, tidsDeleted, err := e.classifyMissing(ctx, oracle)
	if err != nil {
		return err
	}

	var pidsDeleted []int64

	for tid, thread := range selected {
		stats, hasStats := e.state.ThreadStats(e.board, tid)
		lastReplies := e.catalog.LastRepliesByID[tid]

		if e.canUseCatalogUpdate(thread, stats, hasStats, lastReplies) {
			adopted, err := e.processCatalogUpdate(ctx, tid, thread, stats, lastReplies, existing[tid])
			if err != nil {
				return err
			}
			if adopted {
				e.CatalogUpdates++
				continue
			}
		}

		deleted, err := e.fullFetch(ctx, tid, thread, existing[tid])
		if err != nil {
			return err
		}
		pidsDeleted = append(pidsDeleted, deleted...)
	}

	if e.CatalogUpdates > 0 {
		logger.Log.Info(fmt.Sprintf("updated %d thread(s) using catalog data", e.CatalogUpdates), "board", e.board)
	}
	if e.FullFetches > 0 {
		logger.Log.Info(fmt.Sprintf("fetched %d thread(s) fully", e.FullFetches), "board", e.board)
	}

	if len(pidsDeleted) > 0 {
		if err := e.db.MarkPostsDeleted(ctx, e.board, pidsDeleted); err != nil {
			return err
		}
	}
	if len(tidsDeleted) > 0 {
		if err := e.db.MarkThreadsDeleted(ctx, e.board, tidsDeleted); err != nil {
			return err
		}
	}
	if len(tidsArchived) > 0 {
		if err := e.db.MarkThreadsArchived(ctx, e.board, tidsArchived); err != nil {
			return err
		}
		if err := e.db.SetThreadsExpired(ctx, e.board, tidsArchived); err != nil {
			return err
		}
	}

	// meta comes off only once the verdicts are durable
	for _, tid := range missing {
		e.state.RemoveThreadMeta(e.board, tid)
	}
	return nil
}

// classifyMissing finds threads that dropped out of the catalog and sorts them
// into archived / deleted / pruned. An empty catalog proves nothing, so
// nothing is classified then.
func (e *Engine) classifyMissing(ctx context.Context, oracle Oracle) (missing, tidsArchived, tidsDeleted []int64, err error) {
	if len(e.catalog.ThreadByID) == 0 {
		return nil, nil, nil, nil
	}

	recent, err := e.db.RecentlyActiveThreads(ctx, e.board, recentWindow)
	if err != nil {
		return nil, nil, nil, err
	}
	candidates := e.state.TrackedThreads(e.board)
	for tid := range recent {
		candidates[tid] = struct{}{}
	}

	for tid := range candidates {
		if _, live := e.catalog.ThreadByID[tid]; live {
			continue
		}
		missing = append(missing, tid)

		switch e.ClassifyMissingThread(ctx, tid, oracle) {
		case Archived:
			tidsArchived = append(tidsArchived, tid)
			e.ArchivedCount++
		case Deleted:
			tidsDeleted = append(tidsDeleted, tid)
			e.DeletedCount++
		case Pruned:
			e.PrunedCount++
		}
	}

	if len(tidsArchived) > 0 {
		logger.Log.Info("threads archived", "board", e.board, "tids", tidsArchived)
	}
	if len(tidsDeleted) > 0 {
		logger.Log.Info("threads deleted by moderator", "board", e.board, "tids", tidsDeleted)
	}
	if len(missing) > 0 {
		logger.Log.Info(fmt.Sprintf("%d thread(s) no longer in catalog", len(missing)), "board", e.board)
	}
	return missing, tidsArchived, tidsDeleted, nil
}

// ClassifyMissingThread decides why a tracked thread is gone from the catalog.
// A thread that was still being bumped, had not drifted to the last pages and
// had not grown popular enough to survive on its own did not fall off the
// board naturally; the archive oracle then splits archived from
// moderator-deleted.
func (e *Engine) ClassifyMissingThread(ctx context.Context, tid int64, oracle Oracle) DeletionKind {
	meta, ok := e.state.ThreadMeta(e.board, tid)
	if !ok {
		return Inconclusive
	}
	page, bumpTime := meta.Page(), meta.BumpTime()
	if page == 0 || bumpTime == 0 {
		return Inconclusive
	}

	minutesSinceBump := e.now().Sub(time.Unix(bumpTime, 0)).Minutes()
	recentlyAttended := minutesSinceBump < e.deletion.NotDeletedIfBumpAgeExceedsNMin

	stats, ok := e.state.ThreadStats(e.board, tid)
	if !ok {
		return Inconclusive
	}

	onEarlyPage := page < int64(e.deletion.NotDeletedIfPageNReached)
	isPopular := stats.Replies >= e.deletion.NotDeletedIfNReplies

	probablyDeleted := recentlyAttended && onEarlyPage && !isPopular
	if !probablyDeleted {
		return Pruned
	}
	if oracle.IsArchived(ctx, tid) {
		return Archived
	}
	return Deleted
}

// canUseCatalogUpdate checks the preconditions under which the catalog's
// last_replies preview provably contains every post added since the last
// visit, making a thread GET redundant.
func (e *Engine) canUseCatalogUpdate(thread *domain.CatalogThread, stats state.ThreadStats, hasStats bool, lastReplies []domain.Post) bool {
	if len(lastReplies) == 0 || !hasStats || stats.MostRecentReplyNo == 0 {
		return false
	}
	if thread.Replies == nil {
		return false
	}

	diff := *thread.Replies - stats.Replies
	if diff <= 0 || diff > len(lastReplies) {
		return false
	}

	// continuity: the last post we saw must still be inside the preview
	lastSeen := stats.MostRecentReplyNo
	hasLastSeen := false
	newer := 0
	for i := range lastReplies {
		if lastReplies[i].No == lastSeen {
			hasLastSeen = true
		}
		if lastReplies[i].No > lastSeen {
			newer++
		}
	}
	return hasLastSeen && newer == diff
}

// processCatalogUpdate adopts the new replies straight from last_replies.
// Returns false when nothing was actually new, in which case the caller falls
// back to the full fetch.
func (e *Engine) processCatalogUpdate(ctx context.Context, tid int64, thread *domain.CatalogThread, stats state.ThreadStats, lastReplies []domain.Post, existing map[int64]struct{}) (bool, error) {
	var newPosts []*domain.Post
	for i := range lastReplies {
		reply := &lastReplies[i]
		if reply.No <= stats.MostRecentReplyNo {
			continue
		}
		if err := domain.ValidatePost(reply); err != nil {
			return false, fmt.Errorf("invalid post in catalog update for thread %d: %w", tid, err)
		}
		if _, dup := existing[reply.No]; dup {
			continue
		}
		newPosts = append(newPosts, reply)
	}
	if len(newPosts) == 0 {
		return false, nil
	}

	logger.Log.Info(fmt.Sprintf("catalog update for thread [%d]: %d new post(s)", tid, len(newPosts)), "board", e.board)

	mostRecent := stats.MostRecentReplyNo
	for _, p := range newPosts {
		if p.No > mostRecent {
			mostRecent = p.No
		}
	}
	e.updateStats(thread, mostRecent)
	e.threadPosts[tid] = append(e.threadPosts[tid], newPosts...)

	return true, e.writeThread(ctx, tid, thread, newPosts)
}

// fullFetch downloads the whole thread and diffs it against the stored post
// numbers. Returned pids vanished from a still-live thread.
func (e *Engine) fullFetch(ctx context.Context, tid int64, thread *domain.CatalogThread, existing map[int64]struct{}) ([]int64, error) {
	var resp threadResponse
	status, _ := e.fetcher.FetchJSON(ctx, e.urlFor(tid), &resp)
	if status != fetcher.Fresh || len(resp.Posts) == 0 {
		// gone or unchanged; the missing-thread classifier owns deletions
		return nil, nil
	}

	e.FullFetches++
	logger.Log.Info(fmt.Sprintf("found thread [%d]", tid), "board", e.board)

	found := make(map[int64]struct{}, len(resp.Posts))
	var mostRecent int64
	for _, p := range resp.Posts {
		if err := domain.ValidatePost(p); err != nil {
			return nil, err
		}
		found[p.No] = struct{}{}
		if p.No > mostRecent {
			mostRecent = p.No
		}
	}

	var pidsDeleted []int64
	for pid := range existing {
		if _, ok := found[pid]; !ok {
			pidsDeleted = append(pidsDeleted, pid)
		}
	}
	if len(pidsDeleted) > 0 {
		logger.Log.Info(fmt.Sprintf("[%d] posts deleted: %v", tid, pidsDeleted), "board", e.board)
	}

	e.updateStats(thread, mostRecent)
	e.threadPosts[tid] = resp.Posts

	return pidsDeleted, e.writeThread(ctx, tid, thread, resp.Posts)
}

// updateStats refreshes the stats cache from catalog counters.
func (e *Engine) updateStats(thread *domain.CatalogThread, mostRecent int64) {
	st := state.ThreadStats{MostRecentReplyNo: mostRecent}
	if thread.Replies != nil {
		st.Replies = *thread.Replies
	}
	if thread.Images != nil {
		st.Images = *thread.Images
	}
	e.state.SetThreadStats(e.board, thread.No, st)
}

// writeThread persists the new post rows together with the thread's stats row
// in one transaction.
func (e *Engine) writeThread(ctx context.Context, tid int64, thread *domain.CatalogThread, posts []*domain.Post) error {
	rows := make([]domain.PostRow, len(posts))
	for i, p := range posts {
		rows[i] = domain.BuildPostRow(p)
	}

	timeOp := thread.Time
	timeLast := timeOp
	for _, ps := range e.threadPosts[tid] {
		if ps.Time > timeLast {
			timeLast = ps.Time
		}
	}

	stats, _ := e.state.ThreadStats(e.board, tid)
	tr := &domain.ThreadRow{
		ThreadNum:        tid,
		TimeOp:           timeOp,
		TimeLast:         timeLast,
		TimeBump:         timeLast,
		TimeLastModified: thread.LastModified,
		NReplies:         stats.Replies,
		NImages:          stats.Images,
		Sticky:           thread.Sticky,
		Locked:           thread.Closed,
	}
	return e.db.WriteThread(ctx, e.board, rows, tr)
}
