package window

import "slices"

// Selection is a cursor bound to an entity id. The position is derived from the
// current ordering on demand, so a window shift never changes what is selected.
type Selection struct {
	id    string
	order []string // ordering the cursor last saw, used to find a neighbour
}

// ID returns the selected id, or "" when nothing is selected.
func (s *Selection) ID() string {
	return s.id
}

// Select moves the cursor to id. It does not check membership.
func (s *Selection) Select(id string) {
	s.id = id
}

// Clear drops the selection.
func (s *Selection) Clear() {
	s.id = ""
}

// Index returns the position of the selected id in ids, or -1.
func (s *Selection) Index(ids []string) int {
	if s.id == "" {
		return -1
	}
	return slices.Index(ids, s.id)
}

// Sync adopts a new ordering. A selected id that is still present stays selected
// wherever it moved. A removed id falls back to the nearest surviving neighbour
// from the previous ordering, preferring the item that followed it.
func (s *Selection) Sync(ids []string) {
	prev := s.order
	s.order = slices.Clone(ids)
	if s.id == "" || slices.Contains(ids, s.id) {
		return
	}
	s.id = nearestSurvivor(prev, s.id, ids)
}

// Move shifts the cursor by delta positions over ids and returns the new id.
// With nothing selected, a forward move selects the first item and a backward
// move the last.
func (s *Selection) Move(ids []string, delta int) string {
	s.Sync(ids)
	if len(ids) == 0 {
		s.id = ""
		return ""
	}
	i := s.Index(ids)
	switch {
	case i < 0 && delta >= 0:
		i = 0
	case i < 0:
		i = len(ids) - 1
	default:
		i = min(max(i+delta, 0), len(ids)-1)
	}
	s.id = ids[i]
	return s.id
}

func nearestSurvivor(prev []string, gone string, ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	at := slices.Index(prev, gone)
	if at < 0 {
		return ids[0]
	}
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}
	for d := 1; d < len(prev); d++ {
		if i := at + d; i < len(prev) {
			if _, ok := present[prev[i]]; ok {
				return prev[i]
			}
		}
		if i := at - d; i >= 0 {
			if _, ok := present[prev[i]]; ok {
				return prev[i]
			}
		}
	}
	return ids[min(at, len(ids)-1)]
}
