// Package fetcher wraps HTTP access to the remote JSON API with conditional
// requests and per-host pacing.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ritual-archive/ritual/shared/logger"
)

// Status is the three-way outcome of a conditional JSON fetch. Callers must
// distinguish "no data" from "not modified"; the old habit of returning an
// empty body for both loses that information.
type Status int

const (
	Fresh Status = iota
	NotModified
	Failed
)

// Cache is the slice of the state store the fetcher needs for conditional
// requests.
type Cache interface {
	HTTPLastModified(url string) string
	SetHTTPLastModified(url, lastModified string)
}

type Fetcher struct {
	client  *http.Client
	cache   Cache
	limiter *rate.Limiter

	ignoreHTTPCache bool
	addRandom       bool
}

// New builds a fetcher pacing requests at one per cooldownSec against a
// shared persistent client with a 10 s timeout.
func New(cache Cache, cooldownSec float64, addRandom, ignoreHTTPCache bool) *Fetcher {
	limit := rate.Inf
	if cooldownSec > 0 {
		limit = rate.Limit(1.0 / cooldownSec)
	}
	return &Fetcher{
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   cache,
		limiter: rate.NewLimiter(limit, 1),

		ignoreHTTPCache: ignoreHTTPCache,
		addRandom:       addRandom,
	}
}

// FetchJSON GETs url and decodes the body into v on a 200. A cached
// Last-Modified for the URL is sent as If-Modified-Since unless the HTTP
// cache is disabled. Failures are logged here; the caller only branches on
// the returned status.
func (f *Fetcher) FetchJSON(ctx context.Context, url string, v any) (Status, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return Failed, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Failed, fmt.Errorf("failed to build request: %w", err)
	}
	if !f.ignoreHTTPCache {
		if lm := f.cache.HTTPLastModified(url); lm != "" {
			req.Header.Set("If-Modified-Since", lm)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		logger.Log.Warn("request failed", "url", url, "error", err)
		return Failed, err
	}
	defer resp.Body.Close()

	f.jitter(ctx)

	switch resp.StatusCode {
	case http.StatusNotModified:
		f.rememberLastModified(url, resp)
		logger.Log.Warn("not modified (304)", "url", url)
		return NotModified, nil

	case http.StatusOK:
		f.rememberLastModified(url, resp)
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			logger.Log.Warn("failed to read body (200)", "url", url, "error", err)
			return Failed, err
		}
		if err := json.Unmarshal(body, v); err != nil {
			logger.Log.Warn("failed to parse JSON (200)", "url", url, "error", err)
			return Failed, err
		}
		return Fresh, nil

	default:
		logger.Log.Warn("failed to get JSON", "url", url, "status", resp.StatusCode)
		return Failed, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}
}

// FetchBytes GETs a media URL and returns the raw body. Media pacing is the
// downloader's concern, so no limiter wait happens here.
func (f *Fetcher) FetchBytes(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (f *Fetcher) rememberLastModified(url string, resp *http.Response) {
	if f.ignoreHTTPCache {
		return
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		f.cache.SetHTTPLastModified(url, lm)
	}
}

func (f *Fetcher) jitter(ctx context.Context) {
	if !f.addRandom {
		return
	}
	Sleep(ctx, time.Duration(rand.Float64()*float64(time.Second)))
}

// Recycle drops pooled connections. Called between loops when the loop
// cooldown is long enough that kept-alive sockets would go stale.
func (f *Fetcher) Recycle() {
	f.client.CloseIdleConnections()
}

// Sleep waits for d unless the context is cancelled first.
func Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// CacheBuster returns a short random query string appended to media URLs to
// route around intermediate caches that re-compress bodies.
func CacheBuster() string {
	r := strings.ReplaceAll(uuid.NewString(), "-", "")
	return r[:5] + "=" + r[5:10]
}
