package session

// seenSet remembers the most recent keys up to a fixed capacity.
type seenSet struct {
	keys  map[string]struct{}
	order []string
	next  int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 256
	}
	return &seenSet{keys: make(map[string]struct{}, capacity), order: make([]string, 0, capacity)}
}

// add records key and reports whether it was new. Empty keys are always new.
func (s *seenSet) add(key string) bool {
	if key == "" {
		return true
	}
	if _, ok := s.keys[key]; ok {
		return false
	}
	if len(s.order) < cap(s.order) {
		s.order = append(s.order, key)
	} else {
		delete(s.keys, s.order[s.next])
		s.order[s.next] = key
		s.next = (s.next + 1) % len(s.order)
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *seenSet) has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

func (s *seenSet) reset() {
	clear(s.keys)
	s.order = s.order[:0]
	s.next = 0
}
