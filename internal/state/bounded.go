package state

import "sort"

// Per-board caches hold at most maxPerBoard entries; eviction removes the
// overflow plus evictionSlack extra so stickies and other long-lived threads
// don't trigger a prune on every loop.
const (
	maxPerBoard   = 200
	evictionSlack = 10
)

// boundedEvict trims m to at most limit entries. When over the limit it drops
// the overflow plus slack stalest entries, staleness taken from key(v).
func boundedEvict[K comparable, V any](m map[K]V, limit, slack int, key func(V) int64) {
	count := len(m)
	if count <= limit {
		return
	}
	type pair struct {
		k K
		v int64
	}
	pairs := make([]pair, 0, count)
	for k, v := range m {
		pairs = append(pairs, pair{k, key(v)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].v < pairs[j].v })

	drop := count - limit + slack
	for _, p := range pairs[:drop] {
		delete(m, p.k)
	}
}
