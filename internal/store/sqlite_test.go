package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/soulfra/lineage/internal/domain"
	"github.com/soulfra/lineage/internal/payload"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "lineage.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func scanPayload(t *testing.T, slug string) []byte {
	t.Helper()
	rec, _ := json.Marshal(payload.Scan{
		ScanID: uuid.New().String(),
		Slug:   slug,
		Source: "test",
	})
	b, err := payload.Encode(payload.KindScan, rec)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return b
}

func mustAppend(t *testing.T, s *Store, parent string, at time.Time, slug string) *domain.Entry {
	t.Helper()
	e, _, err := s.Append(scanPayload(t, slug), parent, at)
	if err != nil {
		t.Fatalf("append %s: %v", slug, err)
	}
	return e
}

func TestAppendRootAndChild(t *testing.T) {
	s := newTestStore(t)

	a := mustAppend(t, s, "", t0, "qr1")
	if !a.IsRoot() {
		t.Errorf("root entry has parent %q", a.ParentHash)
	}
	if len(a.ContentHash) != 64 {
		t.Errorf("content hash length = %d, want 64", len(a.ContentHash))
	}

	b := mustAppend(t, s, a.ContentHash, t0.Add(time.Second), "qr2")
	if b.ParentHash != a.ContentHash {
		t.Errorf("child parent = %q, want %q", b.ParentHash, a.ContentHash)
	}

	children, err := s.Children(a.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0].ContentHash != b.ContentHash {
		t.Errorf("children(A) = %v, want [B]", children)
	}
}

func TestAppendUnknownParent(t *testing.T) {
	s := newTestStore(t)
	a := mustAppend(t, s, "", t0, "qr1")
	mustAppend(t, s, a.ContentHash, t0.Add(time.Second), "qr2")

	// Both a short ref and a well-formed absent hash are dangling parents.
	danglers := map[string]string{
		"short ref":     "deadbeef",
		"absent 64-hex": strings.Repeat("ab", 32),
		"malformed hex": "not-hex!",
	}
	for name, parent := range danglers {
		_, _, err := s.Append(scanPayload(t, "qr3"), parent, t0.Add(2*time.Second))
		if !errors.Is(err, domain.ErrUnknownParent) {
			t.Errorf("%s: want ErrUnknownParent, got %v", name, err)
		}
	}

	// Store unchanged: A still has exactly one child.
	children, err := s.Children(a.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Errorf("children(A) has %d entries after failed append, want 1", len(children))
	}
}

func TestAppendIdempotentDuplicate(t *testing.T) {
	s := newTestStore(t)

	rec, _ := json.Marshal(payload.Snapshot{
		Table:   "users",
		RowKey:  "1",
		Columns: map[string]string{"name": "soulfra"},
	})
	encoded, err := payload.Encode(payload.KindSnapshot, rec)
	if err != nil {
		t.Fatal(err)
	}

	first, created, err := s.Append(encoded, "", t0)
	if err != nil || !created {
		t.Fatalf("first append: created=%v err=%v", created, err)
	}
	second, created, err := s.Append(encoded, "", t0)
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if created {
		t.Error("duplicate append reported created=true")
	}
	if second.ID != first.ID || second.ContentHash != first.ContentHash {
		t.Errorf("duplicate returned different entry: %+v vs %+v", second, first)
	}
}

func TestChildrenOrdering(t *testing.T) {
	s := newTestStore(t)
	root := mustAppend(t, s, "", t0, "root")

	// Insert out of timestamp order; Children must sort by created_at, id.
	c2 := mustAppend(t, s, root.ContentHash, t0.Add(2*time.Second), "c2")
	c1 := mustAppend(t, s, root.ContentHash, t0.Add(1*time.Second), "c1")
	c3 := mustAppend(t, s, root.ContentHash, t0.Add(3*time.Second), "c3")

	children, err := s.Children(root.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{c1.ContentHash, c2.ContentHash, c3.ContentHash}
	if len(children) != len(want) {
		t.Fatalf("got %d children, want %d", len(children), len(want))
	}
	for i, w := range want {
		if children[i].ContentHash != w {
			t.Errorf("children[%d] = %s, want %s", i, children[i].ContentHash[:12], w[:12])
		}
		if i > 0 && children[i].CreatedAt.Before(children[i-1].CreatedAt) {
			t.Errorf("children not in non-decreasing created_at order at %d", i)
		}
	}
}

func TestRoots(t *testing.T) {
	s := newTestStore(t)
	r1 := mustAppend(t, s, "", t0, "r1")
	r2 := mustAppend(t, s, "", t0.Add(time.Second), "r2")
	mustAppend(t, s, r1.ContentHash, t0.Add(2*time.Second), "child")

	roots, err := s.Roots()
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 2 {
		t.Fatalf("got %d roots, want 2", len(roots))
	}
	if roots[0].ContentHash != r1.ContentHash || roots[1].ContentHash != r2.ContentHash {
		t.Errorf("roots out of order")
	}
}

func TestWalkPreOrder(t *testing.T) {
	s := newTestStore(t)

	//        root
	//       /    \
	//      a      b
	//     / \
	//    a1  a2
	root := mustAppend(t, s, "", t0, "root")
	a := mustAppend(t, s, root.ContentHash, t0.Add(1*time.Second), "a")
	b := mustAppend(t, s, root.ContentHash, t0.Add(2*time.Second), "b")
	a1 := mustAppend(t, s, a.ContentHash, t0.Add(3*time.Second), "a1")
	a2 := mustAppend(t, s, a.ContentHash, t0.Add(4*time.Second), "a2")

	var got []string
	for e, err := range s.Walk(root.ContentHash) {
		if err != nil {
			t.Fatalf("walk: %v", err)
		}
		got = append(got, e.ContentHash)
	}

	want := []string{root.ContentHash, a.ContentHash, a1.ContentHash, a2.ContentHash, b.ContentHash}
	if len(got) != len(want) {
		t.Fatalf("walk visited %d nodes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("walk[%d] = %s, want %s", i, got[i][:12], want[i][:12])
		}
	}

	// Restartable: a second range yields the same sequence.
	var again []string
	for e, err := range s.Walk(root.ContentHash) {
		if err != nil {
			t.Fatal(err)
		}
		again = append(again, e.ContentHash)
	}
	if len(again) != len(got) {
		t.Errorf("second walk visited %d nodes, want %d", len(again), len(got))
	}
}

func TestWalkEarlyStop(t *testing.T) {
	s := newTestStore(t)
	root := mustAppend(t, s, "", t0, "root")
	mustAppend(t, s, root.ContentHash, t0.Add(time.Second), "child")

	n := 0
	for _, err := range s.Walk(root.ContentHash) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		break
	}
	if n != 1 {
		t.Errorf("visited %d nodes after break, want 1", n)
	}
}

func TestGetAndFindByPrefix(t *testing.T) {
	s := newTestStore(t)
	a := mustAppend(t, s, "", t0, "qr1")

	got, err := s.Get(a.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != a.ContentHash || !got.CreatedAt.Equal(t0) {
		t.Errorf("get returned %+v", got)
	}

	if _, err := s.Get("deadbeef"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("get missing: want ErrNotFound, got %v", err)
	}

	byPrefix, err := s.FindByPrefix(a.ContentHash[:8])
	if err != nil {
		t.Fatal(err)
	}
	if byPrefix.ContentHash != a.ContentHash {
		t.Errorf("prefix lookup returned wrong entry")
	}

	if _, err := s.FindByPrefix("ffffffffffff"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("prefix miss: want ErrNotFound, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	root := mustAppend(t, s, "", t0, "root")
	child := mustAppend(t, s, root.ContentHash, t0.Add(time.Second), "child")

	hasKids, err := s.HasChildren(root.ContentHash)
	if err != nil || !hasKids {
		t.Fatalf("HasChildren(root) = %v, %v", hasKids, err)
	}

	if err := s.Purge(root.ContentHash); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := s.Get(root.ContentHash); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("purged entry still present")
	}
	// The orphan keeps its row.
	if _, err := s.Get(child.ContentHash); err != nil {
		t.Errorf("orphan lost: %v", err)
	}

	if err := s.Purge(root.ContentHash); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("double purge: want ErrNotFound, got %v", err)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	root := mustAppend(t, s, "", t0, "root")

	const n = 8
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = scanPayload(t, fmt.Sprintf("qr%d", i))
	}

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, _, err := s.Append(payloads[i], root.ContentHash, t0.Add(time.Duration(i)*time.Millisecond))
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent append: %v", err)
		}
	}

	children, err := s.Children(root.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != n {
		t.Errorf("got %d children, want %d", len(children), n)
	}
}

func TestCount(t *testing.T) {
	s := newTestStore(t)
	if n, err := s.Count(); err != nil || n != 0 {
		t.Fatalf("empty store: count = %d, err = %v", n, err)
	}

	root := mustAppend(t, s, "", t0, "root")
	mustAppend(t, s, root.ContentHash, t0.Add(time.Second), "child")
	if n, err := s.Count(); err != nil || n != 2 {
		t.Fatalf("count = %d, err = %v, want 2", n, err)
	}

	if err := s.Purge(root.ContentHash); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Count(); err != nil || n != 1 {
		t.Fatalf("after purge: count = %d, err = %v, want 1", n, err)
	}
}

func TestAllReachesOrphans(t *testing.T) {
	s := newTestStore(t)
	root := mustAppend(t, s, "", t0, "root")
	mustAppend(t, s, root.ContentHash, t0.Add(time.Second), "child")
	if err := s.Purge(root.ContentHash); err != nil {
		t.Fatal(err)
	}

	n := 0
	for _, err := range s.All() {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 1 {
		t.Errorf("All visited %d entries, want 1 orphan", n)
	}
}
