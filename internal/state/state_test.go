package state

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsThreadModified(t *testing.T) {
	s := New(t.TempDir())

	t.Run("unseen thread is modified", func(t *testing.T) {
		assert.True(t, s.IsThreadModified("g", 100, 1000))
	})

	t.Run("same last_modified is unmodified", func(t *testing.T) {
		assert.False(t, s.IsThreadModified("g", 100, 1000))
	})

	t.Run("changed last_modified is modified", func(t *testing.T) {
		assert.True(t, s.IsThreadModified("g", 100, 2000))
	})

	t.Run("zero last_modified never triggers", func(t *testing.T) {
		assert.False(t, s.IsThreadModified("g", 100, 0))
		// cache now holds 0, a later non-zero value cannot compare either
		assert.False(t, s.IsThreadModified("g", 100, 3000))
	})

	t.Run("boards are independent", func(t *testing.T) {
		assert.True(t, s.IsThreadModified("po", 100, 1000))
	})
}

func TestThreadCacheBound(t *testing.T) {
	s := New(t.TempDir())

	for i := range maxPerBoard + 50 {
		s.IsThreadModified("g", int64(i+1), int64(1000+i))
	}
	require.Greater(t, s.ThreadCacheLen("g"), maxPerBoard)

	s.PruneThreadCache("g")
	assert.Equal(t, maxPerBoard-evictionSlack, s.ThreadCacheLen("g"))

	// stalest entries went first
	assert.False(t, s.IsThreadModified("g", int64(maxPerBoard+50), int64(1000+maxPerBoard+49)))
	assert.True(t, s.IsThreadModified("g", 1, 1000))
}

func TestThreadStatsBound(t *testing.T) {
	s := New(t.TempDir())

	for i := range maxPerBoard + 50 {
		s.SetThreadStats("g", int64(i+1), ThreadStats{Replies: 1, MostRecentReplyNo: int64(1000 + i)})
	}

	// lowest most_recent_reply_no evicted first
	_, ok := s.ThreadStats("g", 1)
	assert.False(t, ok)
	_, ok = s.ThreadStats("g", int64(maxPerBoard+50))
	assert.True(t, ok)
}

func TestHTTPCache(t *testing.T) {
	s := New(t.TempDir())

	t.Run("set and get", func(t *testing.T) {
		s.SetHTTPLastModified("http://a", "Mon, 01 Jan 2024 00:00:00 GMT")
		assert.Equal(t, "Mon, 01 Jan 2024 00:00:00 GMT", s.HTTPLastModified("http://a"))
	})

	t.Run("empty value deletes", func(t *testing.T) {
		s.SetHTTPLastModified("http://a", "")
		assert.Empty(t, s.HTTPLastModified("http://a"))
	})

	t.Run("insertion-oldest entry evicted at the bound", func(t *testing.T) {
		for i := range httpCacheLimit + 1 {
			s.SetHTTPLastModified(fmt.Sprintf("http://u/%d", i), "lm")
		}
		assert.Empty(t, s.HTTPLastModified("http://u/0"))
		assert.Equal(t, "lm", s.HTTPLastModified(fmt.Sprintf("http://u/%d", httpCacheLimit)))
	})
}

func TestThreadMeta(t *testing.T) {
	s := New(t.TempDir())

	s.UpdateThreadMeta("g", 100, 3, 1700000000)
	m, ok := s.ThreadMeta("g", 100)
	require.True(t, ok)
	assert.Equal(t, int64(3), m.Page())
	assert.Equal(t, int64(1700000000), m.BumpTime())

	tracked := s.TrackedThreads("g")
	assert.Contains(t, tracked, int64(100))

	s.RemoveThreadMeta("g", 100)
	_, ok = s.ThreadMeta("g", 100)
	assert.False(t, ok)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()

	s := New(dir)
	s.IsThreadModified("g", 100, 1234)
	s.SetThreadStats("g", 100, ThreadStats{Replies: 5, Images: 1, MostRecentReplyNo: 900})
	s.UpdateThreadMeta("g", 100, 2, 1700000000)
	s.SetHTTPLastModified("http://a", "lm")
	require.NoError(t, s.Save())

	reloaded := New(dir)
	assert.False(t, reloaded.IsThreadModified("g", 100, 1234))

	st, ok := reloaded.ThreadStats("g", 100)
	require.True(t, ok)
	assert.Equal(t, ThreadStats{Replies: 5, Images: 1, MostRecentReplyNo: 900}, st)

	m, ok := reloaded.ThreadMeta("g", 100)
	require.True(t, ok)
	assert.Equal(t, ThreadMeta{2, 1700000000}, m)

	assert.Equal(t, "lm", reloaded.HTTPLastModified("http://a"))
}

func TestCorruptCacheFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeJSONAtomic(dir+"/thread_cache.json", "not a map"))

	s := New(dir)
	assert.Equal(t, 0, s.ThreadCacheLen("g"))
}
