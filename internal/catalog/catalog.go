// Package catalog downloads and indexes a board's catalog.
package catalog

import (
	"context"
	"fmt"

	"github.com/ritual-archive/ritual/internal/domain"
	"github.com/ritual-archive/ritual/internal/fetcher"
	"github.com/ritual-archive/ritual/shared/logger"
)

// Page is one catalog page: an ordinal and its OP threads.
type Page struct {
	Page    int                     `json:"page"`
	Threads []*domain.CatalogThread `json:"threads"`
}

// Catalog is the fetched catalog plus the indices the rest of the pipeline
// works from.
type Catalog struct {
	fetcher *fetcher.Fetcher
	board   string
	url     string

	Pages           []Page
	ThreadByID      map[int64]*domain.CatalogThread
	PageByID        map[int64]int
	LastRepliesByID map[int64][]domain.Post
}

func New(f *fetcher.Fetcher, board, url string) *Catalog {
	return &Catalog{
		fetcher:         f,
		board:           board,
		url:             url,
		ThreadByID:      make(map[int64]*domain.CatalogThread),
		PageByID:        make(map[int64]int),
		LastRepliesByID: make(map[int64][]domain.Post),
	}
}

// Fetch downloads, validates and indexes the catalog. A false return aborts
// this board for the current loop; the reason is already logged.
func (c *Catalog) Fetch(ctx context.Context) bool {
	status, _ := c.fetcher.FetchJSON(ctx, c.url, &c.Pages)

	logger.Log.Info("downloaded catalog", "board", c.board)

	if status != fetcher.Fresh || len(c.Pages) == 0 {
		logger.Log.Warn("catalog empty", "board", c.board)
		return false
	}

	if err := c.index(); err != nil {
		logger.Log.Error("rejecting catalog", "board", c.board, "error", err)
		return false
	}
	return true
}

// index builds the tid indices and validates every thread against the closed
// schema. Any failure rejects the whole catalog.
func (c *Catalog) index() error {
	for i, page := range c.Pages {
		pageNum := page.Page
		if pageNum == 0 {
			// some sites omit the page field; fall back to the ordinal
			pageNum = i + 1
		}
		for _, thread := range page.Threads {
			if thread == nil {
				return fmt.Errorf("null thread entry on page %d", pageNum)
			}
			if _, dup := c.ThreadByID[thread.No]; dup {
				return fmt.Errorf("duplicate thread %d across pages", thread.No)
			}
			if err := domain.ValidateThread(thread); err != nil {
				return err
			}

			c.ThreadByID[thread.No] = thread
			c.PageByID[thread.No] = pageNum
			if len(thread.LastReplies) > 0 {
				c.LastRepliesByID[thread.No] = thread.LastReplies
			}
		}
	}
	return nil
}
