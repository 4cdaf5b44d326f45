// Package media decides which files a board's new posts require and downloads
// them into the content-addressable tree.
package media

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/ritual-archive/ritual/internal/domain"
	"github.com/ritual-archive/ritual/shared/config"
)

// Kind is the media class of a download.
type Kind string

const (
	FullMedia Kind = "image"
	Thumbnail Kind = "thumb"
)

// rule is a compiled download rule slot: disabled, always-on, or gated on a
// full-match of the post's plain text.
type rule struct {
	enabled bool
	re      *regexp.Regexp
}

func compileRule(r config.Rule) (rule, error) {
	if !r.Set {
		return rule{}, nil
	}
	if r.Pattern == "" {
		return rule{enabled: r.Enabled}, nil
	}
	re, err := regexp.Compile(`(?i)\A(?:` + r.Pattern + `)\z`)
	if err != nil {
		return rule{}, fmt.Errorf("failed to compile download rule: %w", err)
	}
	return rule{re: re}, nil
}

// matches evaluates the slot against a post. Pattern slots full-match the
// unescaped subject or the comment's plain text.
func (r rule) matches(p *domain.Post) bool {
	if r.re == nil {
		return r.enabled
	}
	if sub := domain.ExtractText(p.Sub); sub != "" && r.re.MatchString(sub) {
		return true
	}
	if com := domain.ExtractText(p.Com); com != "" && r.re.MatchString(com) {
		return true
	}
	return false
}

// plan is the outcome of one policy pass: the posts whose full media and
// thumbnails must be fetched this loop.
type plan struct {
	full   []*domain.Post
	thumbs []*domain.Post
}

// buildPlan resolves the board's six rule slots, the banned-hash list and the
// duplicate/on-disk checks into a download plan.
func (d *Downloader) buildPlan(ctx context.Context, threads map[int64]*domain.CatalogThread, threadPosts map[int64][]*domain.Post) (*plan, error) {
	var hashes []string
	for _, posts := range threadPosts {
		for _, p := range posts {
			if p.HasFile() && p.Md5 != "" {
				hashes = append(hashes, p.Md5)
			}
		}
	}

	banned, err := d.db.BannedHashes(ctx, d.board, hashes)
	if err != nil {
		return nil, err
	}
	stored := map[string]string{}
	if d.skipDuplicates {
		if stored, err = d.db.StoredMediaFilenames(ctx, d.board, hashes); err != nil {
			return nil, err
		}
	}

	pl := &plan{}
	seen := make(map[int64]struct{})

	for tid, posts := range threadPosts {
		var threadFull, threadThumb bool
		if op, ok := threads[tid]; ok {
			threadFull = d.fmThread.matches(&op.Post)
			threadThumb = d.thThread.matches(&op.Post)
		}

		for _, p := range posts {
			if !p.HasFile() {
				continue
			}
			if _, dup := seen[p.No]; dup {
				continue
			}
			seen[p.No] = struct{}{}

			fmRule, thRule := d.fmPost, d.thPost
			if p.IsOP() {
				fmRule, thRule = d.fmOp, d.thOp
			}

			if threadFull || fmRule.matches(p) {
				if d.wantFullMedia(p, banned, stored) {
					pl.full = append(pl.full, p)
				}
			}

			// synthesized thumbnails make remote thumbnail fetches redundant
			if !d.makeThumbnails && (threadThumb || thRule.matches(p)) {
				if d.wantThumbnail(p) {
					pl.thumbs = append(pl.thumbs, p)
				}
			}
		}
	}
	return pl, nil
}

// wantFullMedia applies the banned-hash, duplicate and on-disk gates.
func (d *Downloader) wantFullMedia(p *domain.Post, banned map[string]struct{}, stored map[string]string) bool {
	if p.Md5 != "" {
		if _, isBanned := banned[p.Md5]; isBanned {
			return false
		}
		if d.skipDuplicates {
			if filename, ok := stored[p.Md5]; ok && d.existsOnDisk(FullMedia, filename) {
				return false
			}
		}
	}
	return !d.existsOnDisk(FullMedia, p.MediaFilename())
}

func (d *Downloader) wantThumbnail(p *domain.Post) bool {
	return !d.existsOnDisk(Thumbnail, p.ThumbFilename())
}

func (d *Downloader) existsOnDisk(kind Kind, filename string) bool {
	path, err := targetPath(d.savePath, d.board, kind, filename)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
