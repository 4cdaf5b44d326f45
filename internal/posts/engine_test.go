package posts

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritual-archive/ritual/internal/catalog"
	"github.com/ritual-archive/ritual/internal/domain"
	"github.com/ritual-archive/ritual/internal/fetcher"
	"github.com/ritual-archive/ritual/internal/state"
	"github.com/ritual-archive/ritual/internal/storage"
	"github.com/ritual-archive/ritual/shared/config"
)

type fakeOracle struct{ archived map[int64]bool }

func (o *fakeOracle) IsArchived(_ context.Context, tid int64) bool { return o.archived[tid] }

type fixture struct {
	db      *storage.Storage
	raw     *sql.DB
	state   *state.State
	catalog *catalog.Catalog
	engine  *Engine

	threadGETs atomic.Int64
	threadJSON map[int64]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	raw, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })

	db := storage.NewWithDB(raw, "sqlite")
	require.NoError(t, db.InstallBoards(context.Background(), []string{"g"}))

	fx := &fixture{
		db:         db,
		raw:        raw,
		state:      state.New(t.TempDir()),
		threadJSON: make(map[int64]string),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.threadGETs.Add(1)
		var tid int64
		fmt.Sscanf(r.URL.Path, "/thread/%d", &tid)
		body, ok := fx.threadJSON[tid]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	f := fetcher.New(fx.state, 0, false, false)
	fx.catalog = catalog.New(f, "g", "")
	deletion := &config.Deletion{
		NotDeletedIfBumpAgeExceedsNMin: 60,
		NotDeletedIfPageNReached:       9,
		NotDeletedIfNReplies:           100,
	}
	fx.engine = New(db, f, "g", fx.state, fx.catalog, deletion,
		func(tid int64) string { return fmt.Sprintf("%s/thread/%d", srv.URL, tid) })
	return fx
}

func (fx *fixture) addCatalogThread(no int64, page int, replies int, lastReplies ...domain.Post) *domain.CatalogThread {
	th := &domain.CatalogThread{
		Post:         domain.Post{No: no, Time: 1700000000, Replies: &replies},
		LastModified: 1700000100,
		LastReplies:  lastReplies,
	}
	fx.catalog.ThreadByID[no] = th
	fx.catalog.PageByID[no] = page
	if len(lastReplies) > 0 {
		fx.catalog.LastRepliesByID[no] = lastReplies
	}
	return th
}

func (fx *fixture) seedOP(t *testing.T, tid, ts int64) {
	t.Helper()
	row := domain.PostRow{PosterIP: "0", Num: tid, ThreadNum: tid, Op: 1, Timestamp: ts, Capcode: "N"}
	require.NoError(t, fx.db.WriteThread(context.Background(), "g", []domain.PostRow{row}, nil))
}

func reply(no, tid, ts int64) domain.Post {
	return domain.Post{No: no, Resto: tid, Time: ts}
}

func (fx *fixture) postNums(t *testing.T, tid int64) map[int64]struct{} {
	t.Helper()
	existing, err := fx.db.ExistingPostNums(context.Background(), "g", []int64{tid})
	require.NoError(t, err)
	return existing[tid]
}

func TestCatalogIncrementalUpdate(t *testing.T) {
	fx := newFixture(t)
	fx.state.SetThreadStats("g", 100, state.ThreadStats{Replies: 5, Images: 1, MostRecentReplyNo: 900})

	th := fx.addCatalogThread(100, 1, 7,
		reply(895, 100, 1700000010),
		reply(900, 100, 1700000020),
		reply(910, 100, 1700000030),
		reply(915, 100, 1700000040),
	)

	err := fx.engine.Run(context.Background(), map[int64]*domain.CatalogThread{100: th}, &fakeOracle{})
	require.NoError(t, err)

	assert.Equal(t, int64(0), fx.threadGETs.Load(), "incremental path must not GET the thread")
	assert.Equal(t, 1, fx.engine.CatalogUpdates)
	assert.Equal(t, 0, fx.engine.FullFetches)

	nums := fx.postNums(t, 100)
	assert.Len(t, nums, 2)
	assert.Contains(t, nums, int64(910))
	assert.Contains(t, nums, int64(915))

	st, ok := fx.state.ThreadStats("g", 100)
	require.True(t, ok)
	assert.Equal(t, int64(915), st.MostRecentReplyNo)
	assert.Equal(t, 7, st.Replies)
}

func TestCatalogUpdateGuards(t *testing.T) {
	threadJSON := `{"posts": [
		{"no": 100, "resto": 0, "time": 1700000000},
		{"no": 910, "resto": 100, "time": 1700000030}
	]}`

	cases := []struct {
		name  string
		setup func(fx *fixture) *domain.CatalogThread
	}{
		{"no stats cached", func(fx *fixture) *domain.CatalogThread {
			return fx.addCatalogThread(100, 1, 7, reply(910, 100, 1700000030))
		}},
		{"no reply growth", func(fx *fixture) *domain.CatalogThread {
			fx.state.SetThreadStats("g", 100, state.ThreadStats{Replies: 7, MostRecentReplyNo: 900})
			return fx.addCatalogThread(100, 1, 7, reply(900, 100, 1700000020), reply(910, 100, 1700000030))
		}},
		{"growth larger than the preview", func(fx *fixture) *domain.CatalogThread {
			fx.state.SetThreadStats("g", 100, state.ThreadStats{Replies: 1, MostRecentReplyNo: 900})
			return fx.addCatalogThread(100, 1, 7, reply(900, 100, 1700000020), reply(910, 100, 1700000030))
		}},
		{"last seen fell out of the preview", func(fx *fixture) *domain.CatalogThread {
			fx.state.SetThreadStats("g", 100, state.ThreadStats{Replies: 6, MostRecentReplyNo: 900})
			return fx.addCatalogThread(100, 1, 7, reply(910, 100, 1700000030))
		}},
		{"newer count does not equal the growth", func(fx *fixture) *domain.CatalogThread {
			fx.state.SetThreadStats("g", 100, state.ThreadStats{Replies: 5, MostRecentReplyNo: 900})
			return fx.addCatalogThread(100, 1, 7, reply(900, 100, 1700000020), reply(910, 100, 1700000030))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.threadJSON[100] = threadJSON
			th := tc.setup(fx)

			err := fx.engine.Run(context.Background(), map[int64]*domain.CatalogThread{100: th}, &fakeOracle{})
			require.NoError(t, err)

			assert.Equal(t, int64(1), fx.threadGETs.Load(), "guard failure must fall back to a full fetch")
			assert.Equal(t, 0, fx.engine.CatalogUpdates)
			assert.Equal(t, 1, fx.engine.FullFetches)
		})
	}
}

func TestFullFetchDiffsDeletedPosts(t *testing.T) {
	fx := newFixture(t)
	fx.seedOP(t, 100, 1700000000)
	rows := []domain.PostRow{
		{PosterIP: "0", Num: 101, ThreadNum: 100, Timestamp: 1700000001, Capcode: "N"},
		{PosterIP: "0", Num: 102, ThreadNum: 100, Timestamp: 1700000002, Capcode: "N"},
	}
	require.NoError(t, fx.db.WriteThread(context.Background(), "g", rows, nil))

	// post 101 is gone from the live thread
	fx.threadJSON[100] = `{"posts": [
		{"no": 100, "resto": 0, "time": 1700000000},
		{"no": 102, "resto": 100, "time": 1700000002}
	]}`
	th := fx.addCatalogThread(100, 1, 1)

	err := fx.engine.Run(context.Background(), map[int64]*domain.CatalogThread{100: th}, &fakeOracle{})
	require.NoError(t, err)

	var deleted int
	require.NoError(t, dbScalar(t, fx, "select deleted from `g` where num = 101", &deleted))
	assert.Equal(t, 1, deleted)

	require.NoError(t, dbScalar(t, fx, "select deleted from `g` where num = 102", &deleted))
	assert.Equal(t, 0, deleted)
}

func TestGoneThreadIsNotMarkedByFetch(t *testing.T) {
	fx := newFixture(t)
	fx.seedOP(t, 100, 1700000000)
	// no thread JSON registered: the endpoint 404s
	th := fx.addCatalogThread(100, 1, 1)

	err := fx.engine.Run(context.Background(), map[int64]*domain.CatalogThread{100: th}, &fakeOracle{})
	require.NoError(t, err)

	var deleted int
	require.NoError(t, dbScalar(t, fx, "select deleted from `g` where num = 100", &deleted))
	assert.Equal(t, 0, deleted, "an empty fetch must not decide deletion")
}

func TestMissingThreadClassification(t *testing.T) {
	now := time.Unix(1700003600, 0)
	recentBump := now.Unix() - 600
	staleBump := now.Unix() - 7200

	cases := []struct {
		name     string
		page     int
		bumpTime int64
		replies  int
		archived bool

		wantLocked  int
		wantDeleted int
		wantExpired bool
	}{
		{"archived", 2, recentBump, 5, true, 1, 0, true},
		{"deleted by moderator", 2, recentBump, 5, false, 0, 1, false},
		{"pruned by bump age", 2, staleBump, 5, false, 0, 0, false},
		{"pruned by page", 9, recentBump, 5, false, 0, 0, false},
		{"pruned by popularity", 2, recentBump, 150, false, 0, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.engine.now = func() time.Time { return now }

			fx.seedOP(t, 100, recentBump)
			fx.state.UpdateThreadMeta("g", 100, tc.page, tc.bumpTime)
			fx.state.SetThreadStats("g", 100, state.ThreadStats{Replies: tc.replies, MostRecentReplyNo: 900})

			// catalog shows some other thread, 100 is missing
			fx.addCatalogThread(999, 1, 0)

			oracle := &fakeOracle{archived: map[int64]bool{100: tc.archived}}
			require.NoError(t, fx.engine.Run(context.Background(), nil, oracle))

			var locked, deleted int
			var expired int64
			require.NoError(t, dbScalar(t, fx, "select locked from `g` where num = 100", &locked))
			require.NoError(t, dbScalar(t, fx, "select deleted from `g` where num = 100", &deleted))
			require.NoError(t, dbScalar(t, fx, "select timestamp_expired from `g` where num = 100", &expired))

			assert.Equal(t, tc.wantLocked, locked)
			assert.Equal(t, tc.wantDeleted, deleted)
			assert.Equal(t, tc.wantExpired, expired > 0)

			_, tracked := fx.state.ThreadMeta("g", 100)
			assert.False(t, tracked, "meta must be removed after classification")
		})
	}
}

func TestInconclusiveWithoutMeta(t *testing.T) {
	fx := newFixture(t)

	// recently active in the db but never tracked in meta
	fx.seedOP(t, 100, time.Now().Unix()-60)
	fx.addCatalogThread(999, 1, 0)

	require.NoError(t, fx.engine.Run(context.Background(), nil, &fakeOracle{}))

	var locked, deleted int
	require.NoError(t, dbScalar(t, fx, "select locked from `g` where num = 100", &locked))
	require.NoError(t, dbScalar(t, fx, "select deleted from `g` where num = 100", &deleted))
	assert.Zero(t, locked)
	assert.Zero(t, deleted)
}

func TestClassifierIgnoresUnknownThreads(t *testing.T) {
	fx := newFixture(t)
	fx.addCatalogThread(999, 1, 0)

	kind := fx.engine.ClassifyMissingThread(context.Background(), 44, &fakeOracle{})
	assert.Equal(t, Inconclusive, kind)
}

func dbScalar(t *testing.T, fx *fixture, query string, dest any) error {
	t.Helper()
	return fx.raw.QueryRowContext(context.Background(), query).Scan(dest)
}
