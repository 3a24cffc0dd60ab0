package model

// Link is the slice of an asset the arena needs: its organization and the
// optional parent and successor references.
type Link struct {
	ID             int64
	OrganizationID int64
	ParentID       *int64
	SupersededByID *int64
}

// Arena indexes assets by stable ID so parent and successor references can
// be followed and checked for cycles without holding object graphs.
type Arena struct {
	links map[int64]Link
}

// NewArena builds an arena from links.
func NewArena(links []Link) *Arena {
	a := &Arena{links: make(map[int64]Link, len(links))}
	for _, l := range links {
		a.links[l.ID] = l
	}
	return a
}

// Len returns the number of assets in the arena.
func (a *Arena) Len() int { return len(a.links) }

// Parent returns the parent ID of an asset.
func (a *Arena) Parent(id int64) (int64, bool) {
	l, ok := a.links[id]
	if !ok || l.ParentID == nil {
		return 0, false
	}
	return *l.ParentID, true
}

// SupersededBy returns the successor of an asset.
func (a *Arena) SupersededBy(id int64) (int64, bool) {
	l, ok := a.links[id]
	if !ok || l.SupersededByID == nil {
		return 0, false
	}
	return *l.SupersededByID, true
}

// Supersedes returns the assets replaced by id.
func (a *Arena) Supersedes(id int64) []int64 {
	var out []int64
	for _, l := range a.links {
		if l.SupersededByID != nil && *l.SupersededByID == id {
			out = append(out, l.ID)
		}
	}
	return out
}

// Ancestors walks the parent chain from id, nearest first. The walk stops at
// the first repeated ID.
func (a *Arena) Ancestors(id int64) []int64 {
	var out []int64
	seen := map[int64]bool{id: true}
	for {
		p, ok := a.Parent(id)
		if !ok || seen[p] {
			return out
		}
		out = append(out, p)
		seen[p] = true
		id = p
	}
}

// ValidateParent checks that parent may become the parent of child.
func (a *Arena) ValidateParent(child, parent int64) error {
	return a.validateLink(child, parent, a.Parent)
}

// ValidateSuccessor checks that successor may supersede id.
func (a *Arena) ValidateSuccessor(id, successor int64) error {
	return a.validateLink(id, successor, a.SupersededBy)
}

func (a *Arena) validateLink(from, to int64, next func(int64) (int64, bool)) error {
	if from == to {
		return ErrSelfLink
	}
	src, ok := a.links[from]
	if !ok {
		return ErrUnknownAsset
	}
	dst, ok := a.links[to]
	if !ok {
		return ErrUnknownAsset
	}
	if src.OrganizationID != dst.OrganizationID {
		return ErrForeignLink
	}
	// Walking from the target must never reach the source.
	seen := map[int64]bool{}
	cur := to
	for {
		n, ok := next(cur)
		if !ok {
			return nil
		}
		if n == from {
			return ErrCycle
		}
		if seen[n] {
			return nil
		}
		seen[n] = true
		cur = n
	}
}
