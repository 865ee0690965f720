package thread

import (
	"sort"
	"time"
)

// Post is one node of a fetched conversation.
type Post struct {
	URI          string
	AuthorID     string
	AuthorHandle string
	Text         string
	CreatedAt    time.Time
	IndexedAt    time.Time
	ParentURI    string
	Replies      []*Post
}

// Timestamp is the ordering key of a post: indexed time, falling back to
// the record's creation time.
func (p *Post) Timestamp() time.Time {
	if !p.IndexedAt.IsZero() {
		return p.IndexedAt
	}
	return p.CreatedAt
}

// Tree indexes a fetched thread by URI. Build it with NewTree.
type Tree struct {
	Root  *Post
	byURI map[string]*Post
}

// NewTree indexes root and every reachable reply. Parent links are taken
// from ParentURI when set and from the reply structure otherwise.
func NewTree(root *Post) *Tree {
	t := &Tree{Root: root, byURI: map[string]*Post{}}
	if root == nil {
		return t
	}
	var walk func(p *Post, parent string)
	walk = func(p *Post, parent string) {
		if p == nil {
			return
		}
		if _, seen := t.byURI[p.URI]; seen {
			return
		}
		if p.ParentURI == "" {
			p.ParentURI = parent
		}
		t.byURI[p.URI] = p
		for _, r := range p.Replies {
			walk(r, p.URI)
		}
	}
	walk(root, root.ParentURI)
	return t
}

func (t *Tree) Get(uri string) (*Post, bool) {
	if t == nil {
		return nil, false
	}
	p, ok := t.byURI[uri]
	return p, ok
}

func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byURI)
}

// Parent returns the parent post of uri if it is part of the tree.
func (t *Tree) Parent(uri string) (*Post, bool) {
	p, ok := t.Get(uri)
	if !ok || p.ParentURI == "" {
		return nil, false
	}
	return t.Get(p.ParentURI)
}

// Merge adds posts not yet in the tree, linking each under its parent when
// the parent is known. It returns how many posts were added.
func (t *Tree) Merge(posts ...*Post) int {
	if t == nil {
		return 0
	}
	added := 0
	for _, p := range posts {
		if p == nil || p.URI == "" {
			continue
		}
		if _, ok := t.byURI[p.URI]; ok {
			continue
		}
		cp := *p
		cp.Replies = nil
		t.byURI[cp.URI] = &cp
		added++
		if t.Root == nil {
			t.Root = &cp
		}
	}
	// Link in a second pass so the order of posts does not matter.
	for _, p := range posts {
		if p == nil {
			continue
		}
		child, ok := t.byURI[p.URI]
		if !ok || child.ParentURI == "" {
			continue
		}
		parent, ok := t.byURI[child.ParentURI]
		if !ok || hasReply(parent, child.URI) {
			continue
		}
		parent.Replies = append(parent.Replies, child)
	}
	return added
}

func hasReply(p *Post, uri string) bool {
	for _, r := range p.Replies {
		if r.URI == uri {
			return true
		}
	}
	return false
}

// Flatten returns every post sorted chronologically (ties by URI).
func (t *Tree) Flatten() []*Post {
	if t == nil {
		return nil
	}
	out := make([]*Post, 0, len(t.byURI))
	for _, p := range t.byURI {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Timestamp(), out[j].Timestamp()
		if a.Equal(b) {
			return out[i].URI < out[j].URI
		}
		return a.Before(b)
	})
	return out
}
