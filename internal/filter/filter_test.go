package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritual-archive/ritual/internal/catalog"
	"github.com/ritual-archive/ritual/internal/domain"
	"github.com/ritual-archive/ritual/internal/state"
	"github.com/ritual-archive/ritual/shared/config"
)

func newFilter(t *testing.T, rule *config.BoardRule, seedAll bool) *Filter {
	t.Helper()
	f, err := New("g", rule, state.New(t.TempDir()), seedAll)
	require.NoError(t, err)
	return f
}

func TestShouldArchive(t *testing.T) {
	t.Run("no lists archives everything", func(t *testing.T) {
		f := newFilter(t, &config.BoardRule{}, false)
		assert.True(t, f.ShouldArchive("anything", "at all"))
	})

	t.Run("blacklist only skips matches", func(t *testing.T) {
		f := newFilter(t, &config.BoardRule{Blacklist: ".*crypto.*"}, false)
		assert.False(t, f.ShouldArchive("Crypto general", ""))
		assert.False(t, f.ShouldArchive("", "buy CRYPTO now"))
		assert.True(t, f.ShouldArchive("home server general", "hello"))
	})

	t.Run("whitelist only archives matches", func(t *testing.T) {
		f := newFilter(t, &config.BoardRule{Whitelist: ".*home server.*"}, false)
		assert.True(t, f.ShouldArchive("Home Server General", ""))
		assert.True(t, f.ShouldArchive("", "my home server died"))
		assert.False(t, f.ShouldArchive("desktop thread", "ricing"))
	})

	t.Run("blacklist beats whitelist", func(t *testing.T) {
		f := newFilter(t, &config.BoardRule{Whitelist: ".*server.*", Blacklist: ".*server.*"}, false)
		assert.False(t, f.ShouldArchive("server thread", ""))
	})

	t.Run("min chars gate", func(t *testing.T) {
		f := newFilter(t, &config.BoardRule{OpCommentMinChars: 10}, false)
		assert.False(t, f.ShouldArchive("subject", "short"))
		assert.True(t, f.ShouldArchive("subject", "long enough comment"))
	})

	t.Run("min unique chars gate", func(t *testing.T) {
		f := newFilter(t, &config.BoardRule{OpCommentMinCharsUnique: 5}, false)
		assert.False(t, f.ShouldArchive("", "aaaaaaaaaaaa"))
		assert.True(t, f.ShouldArchive("", "abcdef"))
	})

	t.Run("invalid pattern is rejected at construction", func(t *testing.T) {
		_, err := New("g", &config.BoardRule{Whitelist: "("}, state.New(t.TempDir()), false)
		assert.Error(t, err)
	})
}

func makeCatalog(threads ...*domain.CatalogThread) *catalog.Catalog {
	c := catalog.New(nil, "g", "")
	c.Pages = []catalog.Page{{Page: 1, Threads: threads}}
	for _, th := range threads {
		c.ThreadByID[th.No] = th
	}
	return c
}

func makeThread(no, lastModified int64, sub string) *domain.CatalogThread {
	return &domain.CatalogThread{
		Post:         domain.Post{No: no, Time: 1700000000, Sub: sub},
		LastModified: lastModified,
	}
}

func TestFilterCatalog(t *testing.T) {
	t.Run("unmodified threads are skipped on a second scan", func(t *testing.T) {
		st := state.New(t.TempDir())
		f, err := New("g", &config.BoardRule{}, st, false)
		require.NoError(t, err)

		cat := makeCatalog(makeThread(100, 1000, ""), makeThread(200, 2000, ""))

		selected := f.FilterCatalog(cat)
		assert.Len(t, selected, 2)

		selected = f.FilterCatalog(cat)
		assert.Empty(t, selected)

		cat.ThreadByID[100].LastModified = 1500
		selected = f.FilterCatalog(cat)
		require.Len(t, selected, 1)
		assert.Contains(t, selected, int64(100))
	})

	t.Run("seedAll selects everything and seeds the cache", func(t *testing.T) {
		st := state.New(t.TempDir())
		seeded, err := New("g", &config.BoardRule{}, st, true)
		require.NoError(t, err)

		cat := makeCatalog(makeThread(100, 1000, ""))
		assert.Len(t, seeded.FilterCatalog(cat), 1)

		// the seed pass recorded last_modified, a plain pass now skips
		plain, err := New("g", &config.BoardRule{}, st, false)
		require.NoError(t, err)
		assert.Empty(t, plain.FilterCatalog(cat))
	})

	t.Run("rules apply to catalog scan", func(t *testing.T) {
		f := newFilter(t, &config.BoardRule{Whitelist: ".*keep.*"}, false)

		cat := makeCatalog(makeThread(100, 1000, "keep me"), makeThread(200, 2000, "drop me"))
		selected := f.FilterCatalog(cat)
		require.Len(t, selected, 1)
		assert.Contains(t, selected, int64(100))
	})
}
