package dedup

// RecencySet is a bounded FIFO set of identity keys (eventId, deliveryId).
type RecencySet struct {
	max  int
	ring []string
	next int
	full bool
	set  map[string]struct{}
}

func NewRecencySet(max int) *RecencySet {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &RecencySet{max: max, ring: make([]string, max), set: make(map[string]struct{}, max)}
}

func (r *RecencySet) Seen(key string) bool {
	_, ok := r.set[key]
	return ok
}

// Add records key, evicting the oldest key when the set is at capacity.
// Adding a key already present does not refresh its position.
func (r *RecencySet) Add(key string) {
	if _, ok := r.set[key]; ok {
		return
	}
	if r.full {
		delete(r.set, r.ring[r.next])
	}
	r.ring[r.next] = key
	r.set[key] = struct{}{}
	r.next++
	if r.next == r.max {
		r.next = 0
		r.full = true
	}
}

// CheckAndAdd returns true when key was already present; otherwise it records it.
func (r *RecencySet) CheckAndAdd(key string) bool {
	if r.Seen(key) {
		return true
	}
	r.Add(key)
	return false
}

func (r *RecencySet) Len() int { return len(r.set) }

// Keys returns the remembered keys oldest first.
func (r *RecencySet) Keys() []string {
	out := make([]string, 0, len(r.set))
	if r.full {
		out = append(out, r.ring[r.next:]...)
	}
	return append(out, r.ring[:r.next]...)
}
