package recorder

import (
	"hash/fnv"
	"sort"
	"sync"
)

// lockStripes is the size of the striped lock set. Contention is per-entity
// and events touch a handful of entities, so a small fixed set suffices.
const lockStripes = 64

// entityLocks serializes concurrent ingestion per entity with a fixed set of
// striped mutexes. Stripes are always acquired in ascending index order so
// overlapping batches cannot deadlock.
type entityLocks struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires the stripes covering the given entity ids and returns the
// matching unlock function.
func (l *entityLocks) lock(entityIDs []string) (unlock func()) {
	seen := make(map[int]struct{}, len(entityIDs))
	indexes := make([]int, 0, len(entityIDs))
	for _, id := range entityIDs {
		idx := stripeIndex(id)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		l.stripes[idx].Lock()
	}
	return func() {
		for i := len(indexes) - 1; i >= 0; i-- {
			l.stripes[indexes[i]].Unlock()
		}
	}
}

func stripeIndex(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % lockStripes)
}
