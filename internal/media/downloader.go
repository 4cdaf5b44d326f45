package media

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ritual-archive/ritual/internal/domain"
	"github.com/ritual-archive/ritual/internal/fetcher"
	"github.com/ritual-archive/ritual/internal/storage"
	"github.com/ritual-archive/ritual/shared/config"
	"github.com/ritual-archive/ritual/shared/logger"
)

// Downloader fetches the files a board's new posts require. It runs strictly
// after the board's database writes, once per loop.
type Downloader struct {
	db      *storage.Storage
	fetcher *fetcher.Fetcher
	board   string
	cfg     *config.Config

	savePath       string
	skipDuplicates bool
	makeThumbnails bool
	addRandom      bool

	fmThread, fmOp, fmPost rule
	thThread, thOp, thPost rule

	// Stats of the last Run.
	Downloaded int
	Failed     int
}

func New(db *storage.Storage, f *fetcher.Fetcher, board string, cfg *config.Config) (*Downloader, error) {
	d := &Downloader{
		db:             db,
		fetcher:        f,
		board:          board,
		cfg:            cfg,
		savePath:       cfg.Media.SavePath,
		skipDuplicates: cfg.Cache.SkipDuplicateFiles,
		makeThumbnails: cfg.Media.MakeThumbnails,
		addRandom:      cfg.Pacing.AddRandom,
	}

	br := cfg.Boards[board]
	slots := []struct {
		dst *rule
		src config.Rule
	}{
		{&d.fmThread, br.DlFmThread}, {&d.fmOp, br.DlFmOp}, {&d.fmPost, br.DlFmPost},
		{&d.thThread, br.DlThThread}, {&d.thOp, br.DlThOp}, {&d.thPost, br.DlThPost},
	}
	for _, s := range slots {
		r, err := compileRule(s.src)
		if err != nil {
			return nil, fmt.Errorf("board %s: %w", board, err)
		}
		*s.dst = r
	}
	return d, nil
}

// Run plans and executes this loop's downloads for the board.
func (d *Downloader) Run(ctx context.Context, threads map[int64]*domain.CatalogThread, threadPosts map[int64][]*domain.Post) error {
	pl, err := d.buildPlan(ctx, threads, threadPosts)
	if err != nil {
		return err
	}

	for _, p := range pl.full {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.downloadPost(ctx, p, FullMedia) {
			d.Downloaded++
		} else {
			d.Failed++
		}
	}
	for _, p := range pl.thumbs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.downloadPost(ctx, p, Thumbnail) {
			d.Downloaded++
		} else {
			d.Failed++
		}
	}
	return nil
}

func (d *Downloader) downloadPost(ctx context.Context, p *domain.Post, kind Kind) bool {
	filename := p.MediaFilename()
	url := d.cfg.URLFullMedia(d.board, p.Tim, p.Ext)
	if kind == Thumbnail {
		filename = p.ThumbFilename()
		url = d.cfg.URLThumbnail(d.board, p.Tim)
	}
	if d.addRandom {
		url += "?" + fetcher.CacheBuster()
	}

	path, err := targetPath(d.savePath, d.board, kind, filename)
	if err != nil {
		logger.Log.Warn("skipping media with unusable filename", "board", d.board, "error", err)
		return false
	}
	if _, err := os.Stat(path); err == nil {
		return true
	}

	body, status, err := d.fetcher.FetchBytes(ctx, url)
	if err != nil || status != http.StatusOK {
		logger.Log.Warn("media fetch failed", "board", d.board, "url", url, "status", status, "error", err)
		return false
	}
	if len(body) == 0 {
		logger.Log.Warn("media fetch returned empty body", "board", d.board, "url", url)
		return false
	}
	if kind == FullMedia && p.Fsize > 0 && int64(len(body)) > p.Fsize {
		logger.Log.Warn("media larger than expected, skipping",
			"board", d.board, "url", url, "expected", p.Fsize, "got", len(body))
		return false
	}
	if kind == FullMedia && p.Md5 != "" {
		sum := md5.Sum(body)
		got := base64.StdEncoding.EncodeToString(sum[:])
		if got != p.Md5 {
			if !d.cfg.Media.DownloadFilesWithMismatchedMD5 {
				return false
			}
			logger.Log.Warn("hashes differ", "board", d.board, "url", url, "told", p.Md5, "found", got)
		}
	}

	if err := writeFileAtomic(path, body); err != nil {
		logger.Log.Error("failed to write media file", "board", d.board, "path", path, "error", err)
		return false
	}

	d.cooldown(ctx, p)
	logger.Log.Info(fmt.Sprintf("downloaded [%s] %s", kind, path), "board", d.board)

	if kind == FullMedia {
		if p.Md5 != "" {
			if err := d.db.UpsertImage(ctx, d.board, p.Md5, p.MediaFilename()); err != nil {
				logger.Log.Error("failed to upsert image row", "board", d.board, "error", err)
				return false
			}
		}
		if d.makeThumbnails {
			d.synthesizeThumbnail(p, path)
		}
	}
	return true
}

// cooldown sleeps the media-class pause after a completed download.
func (d *Downloader) cooldown(ctx context.Context, p *domain.Post) {
	sec := d.cfg.Pacing.ImageCooldownSec
	if p.IsVideo() {
		sec = d.cfg.Pacing.VideoCooldownSec
	}
	fetcher.Sleep(ctx, time.Duration(sec*float64(time.Second)))
}

func (d *Downloader) synthesizeThumbnail(p *domain.Post, fullPath string) {
	if p.IsVideo() {
		logger.Log.Warn("thumbnail synthesis not supported for video", "board", d.board, "file", fullPath)
		return
	}
	thumbPath, err := targetPath(d.savePath, d.board, Thumbnail, p.ThumbFilename())
	if err != nil {
		return
	}
	if err := makeThumbnail(fullPath, thumbPath); err != nil {
		logger.Log.Warn("failed to create thumbnail", "board", d.board, "file", fullPath, "error", err)
	}
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
