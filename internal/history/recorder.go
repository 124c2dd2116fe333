// Package history records per-view navigation history. All writes flow
// through one ordered queue so entries commit in the order the navigations
// happened, no matter how long each individual write takes.
package history

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/shell_agent/internal/queue"
	"github.com/dgnsrekt/shell_agent/internal/storage"
)

const scope = "history"

// Entry is one recorded navigation.
type Entry struct {
	ID        string    `json:"_id"`
	ViewID    int       `json:"viewId"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	InPage    bool      `json:"inPage,omitempty"`
	VisitedAt time.Time `json:"visitedAt"`
}

// Recorder serializes history writes for every view through one queue.
type Recorder struct {
	store *storage.Store
	queue *queue.Queue
	now   func() time.Time
}

// NewRecorder creates a Recorder backed by the given store.
func NewRecorder(store *storage.Store) *Recorder {
	return &Recorder{
		store: store,
		queue: queue.New(256),
		now:   time.Now,
	}
}

// Append enqueues one history write and returns the new entry's id. The
// call returns once the write is ordered, not once it is committed; a
// failed write is logged and dropped.
func (r *Recorder) Append(viewID int, url, title string, inPage bool) string {
	id := uuid.NewString()
	visitedAt := r.now()
	err := r.queue.Enqueue("history append", func(ctx context.Context) error {
		_, err := r.store.Insert(scope, storage.Doc{
			"_id":       id,
			"viewId":    viewID,
			"url":       url,
			"title":     title,
			"inPage":    inPage,
			"visitedAt": visitedAt.Format(time.RFC3339Nano),
		})
		return err
	})
	if err != nil {
		slog.Warn("history append rejected", "view_id", viewID, "url", url, "error", err)
		return ""
	}
	return id
}

// Recent returns up to n entries, newest first.
func (r *Recorder) Recent(n int) ([]Entry, error) {
	docs, err := r.store.Find(scope, storage.Query{})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		e := Entry{}
		e.ID, _ = doc["_id"].(string)
		if v, ok := doc["viewId"].(float64); ok {
			e.ViewID = int(v)
		}
		e.URL, _ = doc["url"].(string)
		e.Title, _ = doc["title"].(string)
		e.InPage, _ = doc["inPage"].(bool)
		if ts, ok := doc["visitedAt"].(string); ok {
			e.VisitedAt, _ = time.Parse(time.RFC3339Nano, ts)
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].VisitedAt.After(entries[j].VisitedAt)
	})
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Remove deletes history entries by id.
func (r *Recorder) Remove(ids []string) error {
	for _, id := range ids {
		if _, err := r.store.Remove(scope, storage.Query{"_id": id}, false); err != nil {
			return err
		}
	}
	return nil
}

// ForView returns the recorded entries for one view in commit order.
func (r *Recorder) ForView(viewID int) ([]Entry, error) {
	entries, err := r.Recent(0)
	if err != nil {
		return nil, err
	}
	// Recent sorts newest first; flip to commit order and filter.
	out := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ViewID == viewID {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

// Flush blocks until every already-appended write has committed.
func (r *Recorder) Flush() {
	done, err := r.queue.EnqueueWait("history flush", func(ctx context.Context) error { return nil })
	if err != nil {
		return
	}
	<-done
}

// Close drains the queue and stops the worker.
func (r *Recorder) Close() {
	r.queue.Close()
}
