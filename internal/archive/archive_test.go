package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ritual-archive/ritual/internal/fetcher"
	"github.com/ritual-archive/ritual/internal/state"
)

func newFetcher(t *testing.T) *fetcher.Fetcher {
	t.Helper()
	return fetcher.New(state.New(t.TempDir()), 0, false, false)
}

func TestIsArchived(t *testing.T) {
	t.Run("lists archived tids and fetches once", func(t *testing.T) {
		hits := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			w.Write([]byte(`[100, 200, 300]`))
		}))
		defer srv.Close()

		o := New(newFetcher(t), "g", srv.URL, true)
		assert.True(t, o.IsArchived(context.Background(), 100))
		assert.True(t, o.IsArchived(context.Background(), 300))
		assert.False(t, o.IsArchived(context.Background(), 999))
		assert.Equal(t, 1, hits)
	})

	t.Run("unsupported board never fetches", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			t.Error("archive endpoint must not be hit")
		}))
		defer srv.Close()

		o := New(newFetcher(t), "po", srv.URL, false)
		assert.False(t, o.IsArchived(context.Background(), 100))
	})

	t.Run("fetch failure answers false, once", func(t *testing.T) {
		hits := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		o := New(newFetcher(t), "g", srv.URL, true)
		assert.False(t, o.IsArchived(context.Background(), 100))
		assert.False(t, o.IsArchived(context.Background(), 200))
		assert.Equal(t, 1, hits)
	})
}

func TestProbeSupport(t *testing.T) {
	t.Run("collects boards with archive support", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"boards": [
				{"board": "g", "is_archived": 1},
				{"board": "b", "is_archived": 0},
				{"board": "po", "is_archived": 1}
			]}`))
		}))
		defer srv.Close()

		supported := ProbeSupport(context.Background(), newFetcher(t), srv.URL)
		assert.True(t, supported["g"])
		assert.True(t, supported["po"])
		assert.False(t, supported["b"])
	})

	t.Run("probe failure yields an empty set", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		supported := ProbeSupport(context.Background(), newFetcher(t), srv.URL)
		assert.Empty(t, supported)
	})
}
