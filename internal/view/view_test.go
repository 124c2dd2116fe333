package view

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/dgnsrekt/shell_agent/internal/config"
)

type fakeHandle struct {
	id     int
	events chan Event

	mu       sync.Mutex
	loads    []string
	zoom     float64
	navState NavigationState
	answered []bool
	closed   bool
}

func newFakeHandle(id int) *fakeHandle {
	return &fakeHandle{id: id, events: make(chan Event)}
}

func (h *fakeHandle) ID() int              { return h.id }
func (h *fakeHandle) Events() <-chan Event { return h.events }

func (h *fakeHandle) Load(_ context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loads = append(h.loads, url)
	return nil
}
func (h *fakeHandle) Stop(context.Context) error      { return nil }
func (h *fakeHandle) Reload(context.Context) error    { return nil }
func (h *fakeHandle) GoBack(context.Context) error    { return nil }
func (h *fakeHandle) GoForward(context.Context) error { return nil }

func (h *fakeHandle) NavigationState(context.Context) (NavigationState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.navState, nil
}
func (h *fakeHandle) SetZoomFactor(_ context.Context, factor float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.zoom = factor
	return nil
}
func (h *fakeHandle) SetBackgroundColor(string) {}
func (h *fakeHandle) AnswerCertificateError(_ context.Context, _ int64, accept bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answered = append(h.answered, accept)
	return nil
}
func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

func (h *fakeHandle) loadedURLs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.loads))
	copy(out, h.loads)
	return out
}

type fakeFactory struct {
	mu      sync.Mutex
	nextID  int
	handles []*fakeHandle
}

func (f *fakeFactory) NewHandle(_ context.Context, _ string, _ HandleOptions) (ContentHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	h := newFakeHandle(f.nextID)
	f.handles = append(f.handles, h)
	return h, nil
}

type sentMessage struct {
	channel string
	args    []any
}

type fakeWindow struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (w *fakeWindow) Send(channel string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, sentMessage{channel: channel, args: args})
}

func (w *fakeWindow) messages(channel string) []sentMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []sentMessage
	for _, m := range w.sent {
		if m.channel == channel {
			out = append(out, m)
		}
	}
	return out
}

// tabEvents filters the tab-event channel down to one event name and
// returns the payload args of each occurrence.
func (w *fakeWindow) tabEvents(event string) [][]any {
	var out [][]any
	for _, m := range w.messages("tab-event") {
		if len(m.args) >= 3 && m.args[0] == event {
			payload, _ := m.args[2].([]any)
			out = append(out, payload)
		}
	}
	return out
}

type historyCall struct {
	viewID int
	url    string
	title  string
	inPage bool
}

type fakeHistory struct {
	mu    sync.Mutex
	calls []historyCall
}

func (h *fakeHistory) Append(viewID int, url, title string, inPage bool) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, historyCall{viewID, url, title, inPage})
	return fmt.Sprintf("entry-%d", len(h.calls))
}

func (h *fakeHistory) all() []historyCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]historyCall, len(h.calls))
	copy(out, h.calls)
	return out
}

type fakeResolver struct {
	mu    sync.Mutex
	calls []string
	data  string
	err   error
}

func (r *fakeResolver) Resolve(_ context.Context, url string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, url)
	return r.data, r.err
}

func testSettings() config.ViewSettings {
	return config.ViewSettings{
		Version:      1,
		NewTabURL:    "shell://newtab",
		WebUIBaseURL: "shell://",
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeFactory, *fakeWindow, *fakeHistory) {
	t.Helper()
	factory := &fakeFactory{}
	window := &fakeWindow{}
	history := &fakeHistory{}
	m := NewManager(window, Deps{
		Factory:  factory,
		History:  history,
		Settings: testSettings(),
	})
	t.Cleanup(m.DestroyAll)
	return m, factory, window, history
}

func TestFailedLoadShowsNetworkErrorPage(t *testing.T) {
	m, factory, _, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	h := factory.handles[0]

	v.handleEvent(Event{Kind: EventDidFailLoad, URL: "https://example.com", IsMainFrame: true, ErrorCode: -105})

	if !v.HasError() {
		t.Fatal("expected view to be in error state")
	}
	if got := v.ErrorURL(); got != "https://example.com" {
		t.Fatalf("error URL = %q", got)
	}
	loads := h.loadedURLs()
	want := "shell-error://network-error/-105"
	if len(loads) < 2 || loads[len(loads)-1] != want {
		t.Fatalf("loads = %v, want last %q", loads, want)
	}
}

func TestAbortedLoadIsNotAnError(t *testing.T) {
	m, factory, _, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	h := factory.handles[0]
	before := len(h.loadedURLs())

	v.handleEvent(Event{Kind: EventDidFailLoad, URL: "https://example.com", IsMainFrame: true, ErrorCode: ErrAbortedCode})

	if v.HasError() {
		t.Fatal("aborted navigation must not flag an error")
	}
	if got := len(h.loadedURLs()); got != before {
		t.Fatalf("aborted navigation triggered a load: %v", h.loadedURLs())
	}
}

func TestSubframeFailureIgnored(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}

	v.handleEvent(Event{Kind: EventDidFailLoad, URL: "https://ads.example.com", IsMainFrame: false, ErrorCode: -105})

	if v.HasError() {
		t.Fatal("subframe failure must not flag the view")
	}
}

func TestCertificateErrorRejectedAndErrorPageShown(t *testing.T) {
	m, factory, _, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://bad.example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	h := factory.handles[0]

	v.handleEvent(Event{Kind: EventCertificateError, URL: "https://bad.example.com", CertError: "ERR_CERT_AUTHORITY_INVALID", CertEventID: 7})

	loads := h.loadedURLs()
	want := "shell-error://network-error/ERR_CERT_AUTHORITY_INVALID"
	if loads[len(loads)-1] != want {
		t.Fatalf("loads = %v, want last %q", loads, want)
	}
	h.mu.Lock()
	answered := append([]bool(nil), h.answered...)
	h.mu.Unlock()
	if len(answered) != 1 || answered[0] {
		t.Fatalf("certificate must be rejected, answered = %v", answered)
	}
}

func TestEmptyFaviconListUsesDefaultSentinel(t *testing.T) {
	m, _, window, _ := newTestManager(t)
	resolver := &fakeResolver{data: "data:image/png;base64,AAAA"}
	m.deps.Favicons = resolver
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}

	v.handleEvent(Event{Kind: EventFaviconUpdated, Favicons: nil})

	if got := v.Favicon(); got != DefaultFavicon {
		t.Fatalf("favicon = %q, want %q", got, DefaultFavicon)
	}
	resolver.mu.Lock()
	calls := len(resolver.calls)
	resolver.mu.Unlock()
	if calls != 0 {
		t.Fatalf("resolver called %d times for empty candidate list", calls)
	}
	events := window.tabEvents("favicon-updated")
	if len(events) != 1 || len(events[0]) != 1 || events[0][0] != DefaultFavicon {
		t.Fatalf("favicon-updated events = %v", events)
	}
}

func TestRemoteFaviconResolvedToDataURI(t *testing.T) {
	m, _, window, _ := newTestManager(t)
	resolver := &fakeResolver{data: "data:image/png;base64,AAAA"}
	m.deps.Favicons = resolver
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}

	v.handleEvent(Event{Kind: EventFaviconUpdated, Favicons: []string{"https://example.com/favicon.ico", "https://example.com/alt.ico"}})

	resolver.mu.Lock()
	calls := append([]string(nil), resolver.calls...)
	resolver.mu.Unlock()
	if len(calls) != 1 || calls[0] != "https://example.com/favicon.ico" {
		t.Fatalf("resolver calls = %v, want the first candidate only", calls)
	}
	events := window.tabEvents("favicon-updated")
	if len(events) != 1 || events[0][0] != "data:image/png;base64,AAAA" {
		t.Fatalf("favicon-updated events = %v", events)
	}
}

func TestFaviconResolutionFailureFallsBackToDefault(t *testing.T) {
	m, _, window, _ := newTestManager(t)
	resolver := &fakeResolver{err: fmt.Errorf("fetch favicon: status 503")}
	m.deps.Favicons = resolver
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}

	v.handleEvent(Event{Kind: EventFaviconUpdated, Favicons: []string{"https://example.com/favicon.ico"}})

	if got := v.Favicon(); got != DefaultFavicon {
		t.Fatalf("favicon = %q, want %q", got, DefaultFavicon)
	}
	events := window.tabEvents("favicon-updated")
	if len(events) != 1 || events[0][0] != DefaultFavicon {
		t.Fatalf("favicon-updated events = %v", events)
	}
}

func TestZoomClampAtBounds(t *testing.T) {
	m, factory, _, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	h := factory.handles[0]

	// Walk up to the ceiling.
	for i := 0; i < 60; i++ {
		v.handleEvent(Event{Kind: EventZoomChanged, ZoomDirection: ZoomIn})
	}
	if got := v.ZoomFactor(); got > ZoomFactorMax+1e-9 {
		t.Fatalf("zoom factor %v exceeded max %v", got, ZoomFactorMax)
	}
	top := v.ZoomFactor()
	v.handleEvent(Event{Kind: EventZoomChanged, ZoomDirection: ZoomIn})
	if got := v.ZoomFactor(); got != top {
		t.Fatalf("zoom moved past ceiling: %v -> %v", top, got)
	}

	// And down to the floor.
	for i := 0; i < 80; i++ {
		v.handleEvent(Event{Kind: EventZoomChanged, ZoomDirection: ZoomOut})
	}
	if got := v.ZoomFactor(); got < ZoomFactorMin-1e-9 {
		t.Fatalf("zoom factor %v fell below min %v", got, ZoomFactorMin)
	}
	h.mu.Lock()
	applied := h.zoom
	h.mu.Unlock()
	if applied != v.ZoomFactor() {
		t.Fatalf("handle zoom %v out of sync with view %v", applied, v.ZoomFactor())
	}
}

func TestNavigationStateOnlyForSelectedView(t *testing.T) {
	m, _, window, _ := newTestManager(t)
	_, err := m.Create(context.Background(), CreateOptions{URL: "https://a.example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	background, err := m.Create(context.Background(), CreateOptions{URL: "https://b.example.com", Active: false})
	if err != nil {
		t.Fatal(err)
	}

	window.mu.Lock()
	window.sent = nil
	window.mu.Unlock()

	background.handleEvent(Event{Kind: EventDidStartLoading, URL: "https://b.example.com/page"})

	if got := window.messages("update-navigation-state"); len(got) != 0 {
		t.Fatalf("background view broadcast navigation state: %v", got)
	}

	selected := m.Selected()
	selected.handleEvent(Event{Kind: EventDidStartLoading, URL: "https://a.example.com/page"})
	if got := window.messages("update-navigation-state"); len(got) != 1 {
		t.Fatalf("selected view navigation-state broadcasts = %d, want 1", len(got))
	}
}

func TestURLUpdatedDeduped(t *testing.T) {
	m, _, window, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	window.mu.Lock()
	window.sent = nil
	window.mu.Unlock()

	v.handleEvent(Event{Kind: EventDidNavigate, URL: "https://example.com/a"})
	v.handleEvent(Event{Kind: EventDidStartLoading, URL: "https://example.com/a"})
	v.handleEvent(Event{Kind: EventDidStopLoading, URL: "https://example.com/a"})
	v.handleEvent(Event{Kind: EventDidNavigate, URL: "https://example.com/b"})

	events := window.tabEvents("url-updated")
	if len(events) != 2 {
		t.Fatalf("url-updated broadcast %d times, want 2: %v", len(events), events)
	}
	if events[0][0] != "https://example.com/a" || events[1][0] != "https://example.com/b" {
		t.Fatalf("url-updated payloads = %v", events)
	}
}

func TestHistorySkipsInternalAndDuplicateURLs(t *testing.T) {
	m, _, _, history := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "shell://newtab", Active: true})
	if err != nil {
		t.Fatal(err)
	}

	v.handleEvent(Event{Kind: EventDidNavigate, URL: "shell://newtab"})
	v.handleEvent(Event{Kind: EventDidNavigate, URL: "shell-error://network-error/-105"})
	v.handleEvent(Event{Kind: EventDidNavigate, URL: "https://example.com"})
	v.handleEvent(Event{Kind: EventDidNavigate, URL: "https://example.com"})
	v.handleEvent(Event{Kind: EventDidNavigateInPage, URL: "https://example.com/#section", IsMainFrame: true})

	calls := history.all()
	if len(calls) != 2 {
		t.Fatalf("history entries = %v, want 2", calls)
	}
	if calls[0].url != "https://example.com" || calls[0].inPage {
		t.Fatalf("first entry = %+v", calls[0])
	}
	if calls[1].url != "https://example.com/#section" || !calls[1].inPage {
		t.Fatalf("second entry = %+v", calls[1])
	}
}

func TestIncognitoViewRecordsNoHistory(t *testing.T) {
	m, _, _, history := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true, Incognito: true})
	if err != nil {
		t.Fatal(err)
	}

	v.handleEvent(Event{Kind: EventDidNavigate, URL: "https://secret.example.com"})

	if calls := history.all(); len(calls) != 0 {
		t.Fatalf("incognito view wrote history: %v", calls)
	}
}

func TestWindowOpenDispositions(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	firstID := v.ID()

	v.handleEvent(Event{Kind: EventWindowOpen, URL: "https://popup.example.com", Disposition: DispositionForegroundTab})
	if len(m.All()) != 2 {
		t.Fatalf("view count = %d after foreground-tab open", len(m.All()))
	}
	if m.SelectedID() == firstID {
		t.Fatal("foreground-tab open must select the new view")
	}

	selectedBefore := m.SelectedID()
	v.handleEvent(Event{Kind: EventWindowOpen, URL: "https://bg.example.com", Disposition: DispositionBackgroundTab})
	if len(m.All()) != 3 {
		t.Fatalf("view count = %d after background-tab open", len(m.All()))
	}
	if m.SelectedID() != selectedBefore {
		t.Fatal("background-tab open must not change selection")
	}
}

type flakyFactory struct {
	fakeFactory

	failMu sync.Mutex
	fail   bool
}

func (f *flakyFactory) NewHandle(ctx context.Context, url string, opts HandleOptions) (ContentHandle, error) {
	f.failMu.Lock()
	fail := f.fail
	f.failMu.Unlock()
	if fail {
		return nil, fmt.Errorf("no renderer slots")
	}
	return f.fakeFactory.NewHandle(ctx, url, opts)
}

func (f *flakyFactory) setFail(fail bool) {
	f.failMu.Lock()
	f.fail = fail
	f.failMu.Unlock()
}

func TestWindowOpenCreateFailureIsContained(t *testing.T) {
	factory := &flakyFactory{}
	window := &fakeWindow{}
	m := NewManager(window, Deps{Factory: factory, Settings: testSettings()})
	t.Cleanup(m.DestroyAll)

	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	factory.setFail(true)
	v.handleEvent(Event{Kind: EventWindowOpen, URL: "https://popup.example.com", Disposition: DispositionForegroundTab})

	if got := len(m.All()); got != 1 {
		t.Fatalf("view count = %d, want 1", got)
	}
	if !strings.Contains(logs.String(), "window open create failed") {
		t.Fatalf("creation failure not logged: %q", logs.String())
	}
}

func TestWindowOpenInheritsIncognito(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true, Incognito: true})
	if err != nil {
		t.Fatal(err)
	}

	v.handleEvent(Event{Kind: EventWindowOpen, URL: "https://popup.example.com", Disposition: DispositionNewWindow})

	for _, got := range m.All() {
		if !got.Incognito() {
			t.Fatalf("view %d escaped the incognito partition", got.ID())
		}
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m, factory, _, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}
	id := v.ID()

	m.Destroy(id)
	m.Destroy(id)
	m.Destroy(id)

	if m.Get(id) != nil {
		t.Fatal("destroyed view still present")
	}
	if m.SelectedID() == id {
		t.Fatal("destroyed view still selected")
	}
	h := factory.handles[0]
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if !closed {
		t.Fatal("handle not closed")
	}
}

func TestErrorURLBroadcastWhileErrored(t *testing.T) {
	m, _, window, _ := newTestManager(t)
	v, err := m.Create(context.Background(), CreateOptions{URL: "https://example.com", Active: true})
	if err != nil {
		t.Fatal(err)
	}

	v.handleEvent(Event{Kind: EventDidFailLoad, URL: "https://down.example.com", IsMainFrame: true, ErrorCode: -105})
	window.mu.Lock()
	window.sent = nil
	window.mu.Unlock()

	// The redirect to the internal error page still broadcasts the page
	// the user asked for, not the internal address.
	v.handleEvent(Event{Kind: EventDidNavigate, URL: "shell-error://network-error/-105"})

	events := window.tabEvents("url-updated")
	if len(events) != 1 {
		t.Fatalf("url-updated events = %v", events)
	}
	if got, _ := events[0][0].(string); got != "https://down.example.com" {
		t.Fatalf("broadcast URL = %q, want the failed URL", got)
	}
	if !strings.HasPrefix(v.URL(), "shell-error://") {
		t.Fatalf("internal URL = %q", v.URL())
	}
}
