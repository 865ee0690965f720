package thread

// LastConsecutiveByAuthor descends from uri through direct replies authored
// by author and returns the deepest such post. It stops when there is no
// same-author reply or more than one (an ambiguous continuation is never
// guessed). If uri is not in the tree, ok is false.
func LastConsecutiveByAuthor(t *Tree, uri, author string) (*Post, bool) {
	cur, ok := t.Get(uri)
	if !ok {
		return nil, false
	}
	visited := map[string]bool{cur.URI: true}
	for {
		var next *Post
		n := 0
		for _, r := range cur.Replies {
			if r != nil && r.AuthorID == author {
				next = r
				n++
			}
		}
		if n != 1 || visited[next.URI] {
			return cur, true
		}
		visited[next.URI] = true
		cur = next
	}
}

// PrecedingConsecutiveByAuthor ascends from uri while the parent is authored
// by author and returns those ancestors oldest-first. The starting post is
// not included.
func PrecedingConsecutiveByAuthor(t *Tree, uri, author string) []*Post {
	cur, ok := t.Get(uri)
	if !ok {
		return nil
	}
	visited := map[string]bool{cur.URI: true}
	var chain []*Post
	for {
		parent, ok := t.Parent(cur.URI)
		if !ok || parent.AuthorID != author || visited[parent.URI] {
			break
		}
		visited[parent.URI] = true
		chain = append(chain, parent)
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
