package thread

import (
	"strings"
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func post(uri, author string, offset int, replies ...*Post) *Post {
	return &Post{
		URI: uri, AuthorID: author, AuthorHandle: author + ".test", Text: "text " + uri,
		IndexedAt: base.Add(time.Duration(offset) * time.Minute), Replies: replies,
	}
}

// A -> B -> C by alice, C -> D by bob.
func chainTree() *Tree {
	d := post("D", "bob", 3)
	c := post("C", "alice", 2, d)
	b := post("B", "alice", 1, c)
	a := post("A", "alice", 0, b)
	return NewTree(a)
}

func uris(ps []*Post) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.URI)
	}
	return out
}

func TestLastConsecutiveByAuthor(t *testing.T) {
	t.Parallel()

	tr := chainTree()
	cases := []struct {
		from, author, want string
	}{
		{"A", "alice", "C"},
		{"B", "alice", "C"},
		{"C", "alice", "C"},
		{"D", "bob", "D"},
	}
	for _, tc := range cases {
		got, ok := LastConsecutiveByAuthor(tr, tc.from, tc.author)
		if !ok || got.URI != tc.want {
			t.Fatalf("LastConsecutiveByAuthor(%s)=%v want %s", tc.from, got, tc.want)
		}
	}
	if _, ok := LastConsecutiveByAuthor(tr, "missing", "alice"); ok {
		t.Fatalf("missing start should not resolve")
	}
}

func TestLastConsecutiveStopsOnAmbiguousBranch(t *testing.T) {
	t.Parallel()

	a := post("A", "alice", 0, post("B1", "alice", 1), post("B2", "alice", 2), post("X", "bob", 3))
	tr := NewTree(a)
	got, ok := LastConsecutiveByAuthor(tr, "A", "alice")
	if !ok || got.URI != "A" {
		t.Fatalf("ambiguous branch resolved to %v, want A", got)
	}
}

func TestPrecedingConsecutiveByAuthor(t *testing.T) {
	t.Parallel()

	tr := chainTree()
	if got := uris(PrecedingConsecutiveByAuthor(tr, "C", "alice")); strings.Join(got, ",") != "A,B" {
		t.Fatalf("preceding(C)=%v want [A B]", got)
	}
	if got := PrecedingConsecutiveByAuthor(tr, "D", "bob"); len(got) != 0 {
		t.Fatalf("preceding(D)=%v want empty", uris(got))
	}
	if got := PrecedingConsecutiveByAuthor(tr, "A", "alice"); len(got) != 0 {
		t.Fatalf("preceding(A)=%v want empty", uris(got))
	}
}

func TestPrecedingConsecutiveStopsOnCycle(t *testing.T) {
	t.Parallel()

	tr := NewTree(post("A", "alice", 0))
	tr.Merge(&Post{URI: "B", AuthorID: "alice", ParentURI: "A"})
	a, _ := tr.Get("A")
	a.ParentURI = "B"
	got := PrecedingConsecutiveByAuthor(tr, "B", "alice")
	if len(got) != 1 || got[0].URI != "A" {
		t.Fatalf("cycle walk=%v want [A]", uris(got))
	}
}

func TestMergeAndFlatten(t *testing.T) {
	t.Parallel()

	tr := chainTree()
	added := tr.Merge(
		&Post{URI: "E", AuthorID: "carol", ParentURI: "D", IndexedAt: base.Add(4 * time.Minute)},
		&Post{URI: "C", AuthorID: "alice"},
	)
	if added != 1 || tr.Len() != 5 {
		t.Fatalf("added=%d len=%d", added, tr.Len())
	}
	if p, ok := tr.Parent("E"); !ok || p.URI != "D" {
		t.Fatalf("E not linked under D")
	}
	if got := strings.Join(uris(tr.Flatten()), ","); got != "A,B,C,D,E" {
		t.Fatalf("flatten=%s", got)
	}
}

func TestRenderYAMLAndTree(t *testing.T) {
	t.Parallel()

	tr := chainTree()
	y, err := RenderYAML(tr.Flatten(), false)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(y, "@alice.test") || strings.Contains(y, "uri:") {
		t.Fatalf("unexpected yaml:\n%s", y)
	}
	view := RenderTree(tr)
	if !strings.Contains(view, "      - @bob.test: text D") {
		t.Fatalf("unexpected tree:\n%s", view)
	}
}
