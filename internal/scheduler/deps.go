package scheduler

// DependencyList is the ordered set of task ids a task waits on.
// Order is insertion order; duplicates are never stored.
type DependencyList []string

// NewDependencyList builds a list from ids, dropping blanks and duplicates
// while keeping first-seen order.
func NewDependencyList(ids ...string) DependencyList {
	out := make(DependencyList, 0, len(ids))
	for _, id := range ids {
		if id == "" || out.Contains(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Contains reports whether id is in the list.
func (l DependencyList) Contains(id string) bool {
	for _, dep := range l {
		if dep == id {
			return true
		}
	}
	return false
}

// Append returns a list with ids added at the end, skipping ones already present.
func (l DependencyList) Append(ids ...string) DependencyList {
	out := l.Clone()
	for _, id := range ids {
		if id == "" || out.Contains(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Without returns a copy of the list with id removed.
func (l DependencyList) Without(id string) DependencyList {
	out := make(DependencyList, 0, len(l))
	for _, dep := range l {
		if dep != id {
			out = append(out, dep)
		}
	}
	return out
}

// Clone returns an independent copy. A nil list clones to an empty one.
func (l DependencyList) Clone() DependencyList {
	out := make(DependencyList, len(l))
	copy(out, l)
	return out
}

// Strings returns the ids as a plain slice.
func (l DependencyList) Strings() []string {
	return []string(l.Clone())
}
