package realtime

// RecentIDsSize is the number of delivered message ids remembered per
// subscription for duplicate suppression.
const RecentIDsSize = 256

// recentIDs is a fixed-size ring of message ids with O(1) membership. When
// full, the oldest id is forgotten.
type recentIDs struct {
	items []string
	pos   int
	count int
	seen  map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{
		items: make([]string, size),
		seen:  make(map[string]struct{}, size),
	}
}

// Add records id and reports whether it was new.
func (r *recentIDs) Add(id string) bool {
	if _, ok := r.seen[id]; ok {
		return false
	}

	if r.count == len(r.items) {
		delete(r.seen, r.items[r.pos])
	} else {
		r.count++
	}
	r.items[r.pos] = id
	r.seen[id] = struct{}{}
	r.pos = (r.pos + 1) % len(r.items)
	return true
}

// Len returns the number of remembered ids.
func (r *recentIDs) Len() int {
	return r.count
}
