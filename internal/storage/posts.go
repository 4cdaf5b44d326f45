package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ritual-archive/ritual/internal/domain"
)

// postBatchSize bounds one multi-row upsert statement.
const postBatchSize = 500

// retryOnce runs op, and on failure retries exactly once after a short pause.
// A second failure propagates and aborts the board for this loop.
func retryOnce(ctx context.Context, op func() error) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), 1), ctx)
	return backoff.Retry(op, b)
}

// ExistingPostNums returns, for each requested thread, the post numbers
// already stored.
func (s *Storage) ExistingPostNums(ctx context.Context, board string, tids []int64) (map[int64]map[int64]struct{}, error) {
	result := make(map[int64]map[int64]struct{}, len(tids))
	if len(tids) == 0 {
		return result, nil
	}
	for _, tid := range tids {
		result[tid] = make(map[int64]struct{})
	}

	query := fmt.Sprintf("select thread_num, num from %s where thread_num in (%s)",
		tableName(board, ""), placeholders(len(tids)))
	rows, err := s.db.QueryContext(ctx, query, int64Args(tids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch existing post nums: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var threadNum, num int64
		if err := rows.Scan(&threadNum, &num); err != nil {
			return nil, fmt.Errorf("failed to scan post num: %w", err)
		}
		if result[threadNum] == nil {
			result[threadNum] = make(map[int64]struct{})
		}
		result[threadNum][num] = struct{}{}
	}
	return result, rows.Err()
}

// RecentlyActiveThreads returns open threads whose OP was posted within the
// window. These join the meta-tracked set for missing-thread detection; an
// hour is a long time for an OP to withstand being deleted by a mod.
func (s *Storage) RecentlyActiveThreads(ctx context.Context, board string, window time.Duration) (map[int64]struct{}, error) {
	cutoff := time.Now().Add(-window).Unix()
	query := fmt.Sprintf(
		"select distinct thread_num from %s where thread_num = num and deleted = 0 and locked != 1 and timestamp > ?",
		tableName(board, ""))
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recently active threads: %w", err)
	}
	defer rows.Close()

	tids := make(map[int64]struct{})
	for rows.Next() {
		var tid int64
		if err := rows.Scan(&tid); err != nil {
			return nil, fmt.Errorf("failed to scan thread num: %w", err)
		}
		tids[tid] = struct{}{}
	}
	return tids, rows.Err()
}

// MarkPostsDeleted flags posts that vanished from a still-live thread.
func (s *Storage) MarkPostsDeleted(ctx context.Context, board string, nums []int64) error {
	return s.flag(ctx, board, "set deleted = 1 where num in (%s)", nums)
}

// MarkThreadsDeleted flags OPs of threads the classifier judged
// moderator-removed.
func (s *Storage) MarkThreadsDeleted(ctx context.Context, board string, tids []int64) error {
	return s.flag(ctx, board, "set deleted = 1 where num in (%s) and thread_num = num", tids)
}

// MarkThreadsArchived flags OPs of threads found in the remote archive.
func (s *Storage) MarkThreadsArchived(ctx context.Context, board string, tids []int64) error {
	return s.flag(ctx, board, "set locked = 1 where num in (%s) and thread_num = num", tids)
}

// SetThreadsExpired stamps timestamp_expired on every post of the given
// threads, once.
func (s *Storage) SetThreadsExpired(ctx context.Context, board string, tids []int64) error {
	if len(tids) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		"update %s set timestamp_expired = ? where thread_num in (%s) and timestamp_expired = 0",
		tableName(board, ""), placeholders(len(tids)))
	args := append([]any{time.Now().Unix()}, int64Args(tids)...)
	return retryOnce(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *Storage) flag(ctx context.Context, board, clause string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("update %s ", tableName(board, "")) +
		fmt.Sprintf(clause, placeholders(len(ids)))
	return retryOnce(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
		return err
	})
}

// WriteThread upserts a thread's post rows and its stats row in one
// transaction, in batches of at most postBatchSize rows per statement.
func (s *Storage) WriteThread(ctx context.Context, board string, rows []domain.PostRow, stats *domain.ThreadRow) error {
	if len(rows) == 0 && stats == nil {
		return nil
	}
	return retryOnce(ctx, func() error {
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			for start := 0; start < len(rows); start += postBatchSize {
				end := min(start+postBatchSize, len(rows))
				if err := s.upsertPostBatch(ctx, tx, board, rows[start:end]); err != nil {
					return err
				}
			}
			if stats != nil {
				if err := s.upsertThreadStats(ctx, tx, board, stats); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (s *Storage) upsertPostBatch(ctx context.Context, q Querier, board string, rows []domain.PostRow) error {
	cols := domain.PostRowColumns
	rowPlaceholder := "(" + placeholders(len(cols)) + ")"
	valuesClauses := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(cols))
	for i := range rows {
		valuesClauses[i] = rowPlaceholder
		args = append(args, rows[i].Values()...)
	}

	query := fmt.Sprintf("insert into %s (%s) values %s %s",
		tableName(board, ""),
		strings.Join(cols, ", "),
		strings.Join(valuesClauses, ", "),
		s.d.upsertClause("num, subnum", cols))

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert post batch: %w", err)
	}
	return nil
}

// UpsertThreadStats writes the {board}_threads row outside a post write, e.g.
// after a catalog-only update.
func (s *Storage) UpsertThreadStats(ctx context.Context, board string, stats *domain.ThreadRow) error {
	return retryOnce(ctx, func() error {
		return s.upsertThreadStats(ctx, s.db, board, stats)
	})
}

func (s *Storage) upsertThreadStats(ctx context.Context, q Querier, board string, stats *domain.ThreadRow) error {
	updateCols := []string{
		"time_op", "time_last", "time_bump", "time_ghost", "time_ghost_bump",
		"time_last_modified", "nreplies", "nimages", "sticky", "locked",
	}
	query := fmt.Sprintf(
		"insert into %s (thread_num, %s) values (%s) %s",
		tableName(board, "threads"),
		strings.Join(updateCols, ", "),
		placeholders(len(updateCols)+1),
		s.d.upsertClause("thread_num", updateCols))

	_, err := q.ExecContext(ctx, query,
		stats.ThreadNum, stats.TimeOp, stats.TimeLast, stats.TimeBump,
		stats.TimeGhost, stats.TimeGhostBump, stats.TimeLastModified,
		stats.NReplies, stats.NImages, stats.Sticky, stats.Locked)
	if err != nil {
		return fmt.Errorf("failed to upsert thread stats: %w", err)
	}
	return nil
}
