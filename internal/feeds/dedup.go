package feeds

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultDedupCapacity is the number of update digests remembered per feed.
const DefaultDedupCapacity = 10000

// seenSet remembers digests of updates already applied for one feed.
// The bloom filter answers most "never seen" lookups without touching the
// exact set; a bloom hit is confirmed against the set so a false positive
// never drops a real update. The set is bounded FIFO, and the filter is
// rebuilt once enough digests have been evicted from it.
type seenSet struct {
	mu       sync.Mutex
	capacity int
	filter   *bloom.BloomFilter
	exact    map[string]struct{}
	order    []string // ring of digests, oldest at head
	head     int
	evicted  int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &seenSet{
		capacity: capacity,
		filter:   bloom.NewWithEstimates(uint(capacity), 0.01),
		exact:    make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Contains reports whether digest was added and not yet evicted.
func (s *seenSet) Contains(digest string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.filter.TestString(digest) {
		return false
	}
	_, ok := s.exact[digest]
	return ok
}

// Add records digest, evicting the oldest entry when full.
func (s *seenSet) Add(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exact[digest]; ok {
		return
	}

	if len(s.order) < s.capacity {
		s.order = append(s.order, digest)
	} else {
		delete(s.exact, s.order[s.head])
		s.order[s.head] = digest
		s.head = (s.head + 1) % s.capacity
		s.evicted++
	}
	s.exact[digest] = struct{}{}
	s.filter.AddString(digest)

	if s.evicted >= s.capacity/2 {
		s.filter.ClearAll()
		for d := range s.exact {
			s.filter.AddString(d)
		}
		s.evicted = 0
	}
}

// Len returns the number of remembered digests.
func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exact)
}
