package control

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"strings"
	"sync"
	"testing"

	"github.com/dgnsrekt/shell_agent/internal/config"
	"github.com/dgnsrekt/shell_agent/internal/engine"
	"github.com/dgnsrekt/shell_agent/internal/favicon"
	"github.com/dgnsrekt/shell_agent/internal/history"
	"github.com/dgnsrekt/shell_agent/internal/session"
	"github.com/dgnsrekt/shell_agent/internal/storage"
	"github.com/dgnsrekt/shell_agent/internal/view"
)

type stubHandle struct {
	id     int
	events chan view.Event

	mu    sync.Mutex
	loads []string
}

func (h *stubHandle) ID() int                   { return h.id }
func (h *stubHandle) Events() <-chan view.Event { return h.events }

func (h *stubHandle) Load(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loads = append(h.loads, url)
	return nil
}
func (h *stubHandle) Stop(context.Context) error      { return nil }
func (h *stubHandle) Reload(context.Context) error    { return nil }
func (h *stubHandle) GoBack(context.Context) error    { return nil }
func (h *stubHandle) GoForward(context.Context) error { return nil }
func (h *stubHandle) NavigationState(context.Context) (view.NavigationState, error) {
	return view.NavigationState{}, nil
}
func (h *stubHandle) SetZoomFactor(context.Context, float64) error { return nil }
func (h *stubHandle) SetBackgroundColor(string)                    {}
func (h *stubHandle) AnswerCertificateError(context.Context, int64, bool) error {
	return nil
}
func (h *stubHandle) Close() error {
	close(h.events)
	return nil
}

func (h *stubHandle) loadedURLs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.loads...)
}

type stubFactory struct {
	mu      sync.Mutex
	nextID  int
	handles []*stubHandle
}

func (f *stubFactory) NewHandle(context.Context, string, view.HandleOptions) (view.ContentHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	h := &stubHandle{id: f.nextID, events: make(chan view.Event)}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *stubFactory) handle(id int) *stubHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if h.id == id {
			return h
		}
	}
	return nil
}

type stubWindow struct{}

func (stubWindow) Send(string, ...any) {}

type fakeBackend struct {
	mu          sync.Mutex
	nextID      int
	cacheCalls  int
	storageCall int
}

func (b *fakeBackend) CreatePartition(context.Context, bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return string(rune('a' + b.nextID)), nil
}
func (b *fakeBackend) ClearCache(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cacheCalls++
	return nil
}
func (b *fakeBackend) ClearStorage(context.Context, string, []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.storageCall++
	return nil
}

type fakeFetcher struct {
	status int
	data   []byte
}

func (f *fakeFetcher) Fetch(context.Context, string) (int, []byte, error) {
	return f.status, f.data, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	controller *Controller
	factory    *stubFactory
	backend    *fakeBackend
	recorder   *history.Recorder
}

func newFixture(t *testing.T, fetcher favicon.Fetcher) *fixture {
	t.Helper()

	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	recorder := history.NewRecorder(store)
	t.Cleanup(recorder.Close)

	if fetcher == nil {
		fetcher = &fakeFetcher{status: 404}
	}
	resolver := favicon.NewResolver(store, fetcher)

	backend := &fakeBackend{}
	sessions, err := session.NewManager(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}

	factory := &stubFactory{}
	views := view.NewManager(stubWindow{}, view.Deps{
		Factory:  factory,
		History:  recorder,
		Favicons: resolver,
		Settings: config.ViewSettings{Version: 1, NewTabURL: "shell://newtab", WebUIBaseURL: "shell://"},
	})
	t.Cleanup(views.DestroyAll)
	sessions.RegisterWindow(MainWindowID, views)

	return &fixture{
		controller: New(views, sessions, recorder, resolver),
		factory:    factory,
		backend:    backend,
		recorder:   recorder,
	}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	var coded *engine.CodedError
	if !errors.As(err, &coded) || coded.Code != code {
		t.Fatalf("got error %v, want code %s", err, code)
	}
}

func TestCreateTabSelectsWhenActive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	info, err := f.controller.CreateTab(ctx, "", true, false)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Selected {
		t.Fatal("active tab not selected")
	}
	if !info.IsNewTab {
		t.Fatalf("tab at %q not marked as new-tab", info.URL)
	}

	background, err := f.controller.CreateTab(ctx, "https://example.com", false, true)
	if err != nil {
		t.Fatal(err)
	}
	if background.Selected {
		t.Fatal("background tab stole selection")
	}
	if !background.Incognito {
		t.Fatal("incognito flag lost")
	}

	tabs, err := f.controller.ListTabs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tabs) != 2 {
		t.Fatalf("got %d tabs, want 2", len(tabs))
	}
}

func TestNavigateLoadsURL(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	info, err := f.controller.CreateTab(ctx, "", true, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.controller.Navigate(ctx, info.ID, "https://example.com"); err != nil {
		t.Fatal(err)
	}

	h := f.factory.handle(info.ID)
	urls := h.loadedURLs()
	if len(urls) == 0 || urls[len(urls)-1] != "https://example.com" {
		t.Fatalf("handle loads %v, want trailing https://example.com", urls)
	}
}

func TestNavigateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	info, err := f.controller.CreateTab(ctx, "", true, false)
	if err != nil {
		t.Fatal(err)
	}

	wantCode(t, f.controller.Navigate(ctx, info.ID, ""), engine.CodeBadRequest)
	wantCode(t, f.controller.Navigate(ctx, 9999, "https://example.com"), engine.CodeViewNotFound)
}

func TestCloseTabTwice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	info, err := f.controller.CreateTab(ctx, "", true, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.controller.CloseTab(ctx, info.ID); err != nil {
		t.Fatal(err)
	}
	wantCode(t, f.controller.CloseTab(ctx, info.ID), engine.CodeViewNotFound)
}

func TestZoomStepsAndReports(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	info, err := f.controller.CreateTab(ctx, "", true, false)
	if err != nil {
		t.Fatal(err)
	}

	factor, err := f.controller.ZoomIn(ctx, info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if factor < 1.09 || factor > 1.11 {
		t.Fatalf("zoom in gave %v, want ~1.1", factor)
	}

	factor, err = f.controller.ZoomOut(ctx, info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if factor < 0.99 || factor > 1.01 {
		t.Fatalf("zoom out gave %v, want ~1.0", factor)
	}
}

func TestClearBrowsingDataPartitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	baseline := func() int {
		f.backend.mu.Lock()
		defer f.backend.mu.Unlock()
		return f.backend.cacheCalls
	}()

	if err := f.controller.ClearBrowsingData(ctx, string(session.PartitionNormal)); err != nil {
		t.Fatal(err)
	}
	f.backend.mu.Lock()
	calls := f.backend.cacheCalls
	f.backend.mu.Unlock()
	if calls != baseline+1 {
		t.Fatalf("cache cleared %d times, want %d", calls, baseline+1)
	}

	wantCode(t, f.controller.ClearBrowsingData(ctx, "persist:other"), engine.CodeBadRequest)
}

func TestHistoryListAndRemove(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.recorder.Append(1, "https://one.example.com", "one", false)
	f.recorder.Append(1, "https://two.example.com", "two", false)
	f.recorder.Flush()

	entries, err := f.controller.RecentHistory(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	wantCode(t, f.controller.RemoveHistory(ctx, nil), engine.CodeBadRequest)

	if err := f.controller.RemoveHistory(ctx, []string{entries[0].ID}); err != nil {
		t.Fatal(err)
	}
	entries, err = f.controller.RecentHistory(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries after remove, want 1", len(entries))
	}
}

func TestFaviconLookup(t *testing.T) {
	f := newFixture(t, &fakeFetcher{status: 200, data: pngBytes(t)})
	ctx := context.Background()

	data, err := f.controller.Favicon(ctx, "https://example.com/favicon.png")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(data, "data:image/png;base64,") {
		t.Fatalf("got %q, want png data URI", data)
	}

	wantCode(t, func() error {
		_, err := f.controller.Favicon(ctx, "")
		return err
	}(), engine.CodeBadRequest)
}

func TestFaviconNotFound(t *testing.T) {
	f := newFixture(t, &fakeFetcher{status: 404})
	ctx := context.Background()

	_, err := f.controller.Favicon(ctx, "https://example.com/missing.png")
	wantCode(t, err, engine.CodeNotFound)
}
