package history

import (
	"testing"
	"time"

	"github.com/dgnsrekt/shell_agent/internal/storage"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	r := NewRecorder(store)
	t.Cleanup(func() {
		r.Close()
		store.Close()
	})

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return r
}

func TestAppendCommitsInNavigationOrder(t *testing.T) {
	r := newTestRecorder(t)

	urls := []string{
		"https://example.com/",
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
		"https://example.com/d",
	}
	for _, u := range urls {
		r.Append(1, u, "", false)
	}
	r.Flush()

	entries, err := r.ForView(1)
	if err != nil {
		t.Fatalf("for view: %v", err)
	}
	if len(entries) != len(urls) {
		t.Fatalf("expected %d entries, got %d", len(urls), len(entries))
	}
	for i, e := range entries {
		if e.URL != urls[i] {
			t.Fatalf("entry %d: expected %q, got %q", i, urls[i], e.URL)
		}
	}
}

func TestAppendsFromSeveralViewsStayOrdered(t *testing.T) {
	r := newTestRecorder(t)

	r.Append(1, "https://one.test/start", "", false)
	r.Append(2, "https://two.test/start", "", false)
	r.Append(1, "https://one.test/next", "", true)
	r.Flush()

	viewOne, err := r.ForView(1)
	if err != nil {
		t.Fatalf("for view 1: %v", err)
	}
	if len(viewOne) != 2 {
		t.Fatalf("expected 2 entries for view 1, got %d", len(viewOne))
	}
	if viewOne[0].URL != "https://one.test/start" || viewOne[1].URL != "https://one.test/next" {
		t.Fatalf("view 1 order wrong: %+v", viewOne)
	}
	if !viewOne[1].InPage {
		t.Fatal("in-page flag lost")
	}
}

func TestRecentNewestFirstAndLimit(t *testing.T) {
	r := newTestRecorder(t)

	r.Append(1, "https://example.com/old", "", false)
	r.Append(1, "https://example.com/new", "", false)
	r.Flush()

	entries, err := r.Recent(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected limit of 1, got %d", len(entries))
	}
	if entries[0].URL != "https://example.com/new" {
		t.Fatalf("expected newest entry first, got %q", entries[0].URL)
	}
}

func TestRemoveByID(t *testing.T) {
	r := newTestRecorder(t)

	r.Append(1, "https://example.com/", "", false)
	r.Flush()

	entries, err := r.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if err := r.Remove([]string{entries[0].ID}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entries, err = r.Recent(0)
	if err != nil {
		t.Fatalf("recent after remove: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(entries))
	}
}

func TestAppendReturnsAddressableID(t *testing.T) {
	r := newTestRecorder(t)

	id := r.Append(1, "https://example.com/", "Example", false)
	if id == "" {
		t.Fatal("append returned no id")
	}
	r.Flush()

	entries, err := r.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("stored id %q, append returned %q", entries[0].ID, id)
	}

	if err := r.Remove([]string{id}); err != nil {
		t.Fatalf("remove by returned id: %v", err)
	}
	entries, err = r.Recent(0)
	if err != nil {
		t.Fatalf("recent after remove: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entry survived removal by its own id: %+v", entries)
	}
}
