// Package view implements the per-tab state machine at the center of the
// shell: each View owns one content-rendering handle, consumes its raw
// event stream on a single goroutine, derives navigation/loading/error/zoom
// state and broadcasts normalized events to its window.
package view

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/dgnsrekt/shell_agent/internal/config"
)

// Zoom bounds and step applied to every view.
const (
	ZoomFactorMin       = 0.25
	ZoomFactorMax       = 5.0
	ZoomFactorIncrement = 0.1
)

// ErrAbortedCode is the engine's "navigation aborted by user" sentinel.
// Aborted navigations are expected control flow, never surfaced as errors.
const ErrAbortedCode = -3

// Internal error page addressing.
const (
	ErrorPageScheme  = "shell-error"
	NetworkErrorHost = "network-error"
)

// DefaultFavicon is the non-empty sentinel used when a page reports no
// usable favicon. The contract is "non-empty sentinel, never null".
const DefaultFavicon = "default-favicon"

// ContentHandle is the view's grip on one content-rendering process.
type ContentHandle interface {
	ID() int
	Events() <-chan Event
	Load(ctx context.Context, url string) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	NavigationState(ctx context.Context) (NavigationState, error)
	SetZoomFactor(ctx context.Context, factor float64) error
	SetBackgroundColor(color string)
	AnswerCertificateError(ctx context.Context, eventID int64, accept bool) error
	Close() error
}

// HandleOptions configures a new content-rendering handle. Sandboxing and
// content isolation are not options; the engine always enables both.
type HandleOptions struct {
	Incognito  bool
	Autoplay   bool
	DoNotTrack bool
}

// HandleFactory creates content-rendering handles scoped to the right
// session partition.
type HandleFactory interface {
	NewHandle(ctx context.Context, url string, opts HandleOptions) (ContentHandle, error)
}

// Window receives the normalized events a view broadcasts.
type Window interface {
	Send(channel string, args ...any)
}

// HistoryAppender records completed navigations in order.
type HistoryAppender interface {
	Append(viewID int, url, title string, inPage bool) string
}

// FaviconResolver turns a remote favicon URL into a data URI.
type FaviconResolver interface {
	Resolve(ctx context.Context, url string) (string, error)
}

// DocFinder is the slice of the document store the view reads (formfill
// lookups for the credentials broadcast).
type DocFinder interface {
	FindOne(scope string, query map[string]any) (map[string]any, error)
}

// AuthInfo is a pending authentication request.
type AuthInfo struct {
	URL string
}

// PermissionRequest is a pending permission request; at most one per view.
type PermissionRequest struct {
	Name          string
	URL           string
	IsMainFrame   bool
	RequestingURL string
}

// Deps are the collaborators a view needs, injected at construction.
type Deps struct {
	Factory     HandleFactory
	History     HistoryAppender
	Favicons    FaviconResolver
	Credentials DocFinder
	Settings    config.ViewSettings
}

// View is one tab's state machine.
type View struct {
	handle  ContentHandle
	window  Window
	manager *Manager
	deps    Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	url       string
	title     string
	favicon   string
	color     string
	isNewTab  bool
	incognito bool
	loading   bool
	hasError  bool
	errorURL  string

	lastURL        string
	lastHistoryID  string
	lastHistoryURL string

	zoomFactor float64

	requestedAuth       *AuthInfo
	requestedPermission *PermissionRequest

	destroyOnce sync.Once
	done        chan struct{}
}

func newView(ctx context.Context, manager *Manager, window Window, startURL string, incognito bool, deps Deps) (*View, error) {
	handle, err := deps.Factory.NewHandle(ctx, startURL, HandleOptions{
		Incognito:  incognito,
		Autoplay:   deps.Settings.Autoplay,
		DoNotTrack: deps.Settings.DoNotTrack,
	})
	if err != nil {
		return nil, fmt.Errorf("view: create handle: %w", err)
	}

	viewCtx, cancel := context.WithCancel(context.Background())
	v := &View{
		handle:     handle,
		window:     window,
		manager:    manager,
		deps:       deps,
		ctx:        viewCtx,
		cancel:     cancel,
		url:        startURL,
		incognito:  incognito,
		isNewTab:   isNewTabURL(startURL, deps.Settings.NewTabURL),
		zoomFactor: 1.0,
		done:       make(chan struct{}),
	}

	handle.SetBackgroundColor("#FFFFFFFF")
	go v.loop()

	if err := handle.Load(ctx, startURL); err != nil {
		slog.Warn("initial load failed", "view_id", handle.ID(), "url", startURL, "error", err)
	}
	return v, nil
}

func isNewTabURL(u, newTabURL string) bool {
	return newTabURL != "" && strings.HasPrefix(u, newTabURL)
}

// ID is the stable integer identity of the underlying handle.
func (v *View) ID() int { return v.handle.ID() }

func (v *View) URL() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.url
}

func (v *View) Title() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.title
}

func (v *View) Favicon() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.favicon
}

func (v *View) IsNewTab() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isNewTab
}

func (v *View) Incognito() bool { return v.incognito }

func (v *View) Loading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading
}

func (v *View) HasError() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasError
}

// ErrorURL answers the "what is the current error URL" query registered for
// this view at construction.
func (v *View) ErrorURL() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.errorURL
}

func (v *View) ZoomFactor() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.zoomFactor
}

// Hostname returns the host of the current URL, or "" when unparsable.
func (v *View) Hostname() string {
	u, err := url.Parse(v.URL())
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// RequestedPermission returns the pending permission request, if any.
func (v *View) RequestedPermission() *PermissionRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.requestedPermission
}

// SetRequestedPermission installs or clears the single pending slot.
func (v *View) SetRequestedPermission(req *PermissionRequest) {
	v.mu.Lock()
	v.requestedPermission = req
	v.mu.Unlock()
}

// RequestedAuth returns the pending authentication request, if any.
func (v *View) RequestedAuth() *AuthInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.requestedAuth
}

// SetRequestedAuth installs or clears the single pending slot.
func (v *View) SetRequestedAuth(auth *AuthInfo) {
	v.mu.Lock()
	v.requestedAuth = auth
	v.mu.Unlock()
}

// Load navigates the view to url.
func (v *View) Load(ctx context.Context, url string) error {
	return v.handle.Load(ctx, url)
}

// Stop cancels the active navigation.
func (v *View) Stop(ctx context.Context) error { return v.handle.Stop(ctx) }

// Reload reloads the current page.
func (v *View) Reload(ctx context.Context) error { return v.handle.Reload(ctx) }

// GoBack navigates one history entry back.
func (v *View) GoBack(ctx context.Context) error { return v.handle.GoBack(ctx) }

// GoForward navigates one history entry forward.
func (v *View) GoForward(ctx context.Context) error { return v.handle.GoForward(ctx) }

// ZoomIn steps the zoom factor up, subject to the clamp.
func (v *View) ZoomIn() { v.handleEvent(Event{Kind: EventZoomChanged, ZoomDirection: ZoomIn}) }

// ZoomOut steps the zoom factor down, subject to the clamp.
func (v *View) ZoomOut() { v.handleEvent(Event{Kind: EventZoomChanged, ZoomDirection: ZoomOut}) }

// Destroy releases the content-rendering handle. Safe to call repeatedly;
// the handle is closed exactly once.
func (v *View) Destroy() {
	v.destroyOnce.Do(func() {
		v.cancel()
		if err := v.handle.Close(); err != nil {
			slog.Debug("handle close failed", "view_id", v.ID(), "error", err)
		}
	})
}

// loop is the only goroutine that mutates navigation state. It drains the
// handle's event stream until the handle closes it.
func (v *View) loop() {
	defer close(v.done)
	for ev := range v.handle.Events() {
		v.handleEvent(ev)
	}
}

func (v *View) handleEvent(ev Event) {
	switch ev.Kind {
	case EventTitleUpdated:
		v.onTitleUpdated(ev)
	case EventDidStartNavigation:
		v.onDidStartNavigation(ev)
	case EventDidNavigate:
		v.onDidNavigate(ev)
	case EventDidNavigateInPage:
		v.onDidNavigateInPage(ev)
	case EventDidStartLoading:
		v.onLoadingChanged(ev, true)
	case EventDidStopLoading:
		v.onLoadingChanged(ev, false)
	case EventDidFailLoad:
		v.onDidFailLoad(ev)
	case EventCertificateError:
		v.onCertificateError(ev)
	case EventFaviconUpdated:
		v.onFaviconUpdated(ev)
	case EventZoomChanged:
		v.onZoomChanged(ev)
	case EventWindowOpen:
		v.onWindowOpen(ev)
	case EventMediaPlaying:
		v.emitEvent("media-playing", true)
	case EventMediaPaused:
		v.emitEvent("media-paused", true)
	default:
		slog.Debug("unhandled engine event", "view_id", v.ID(), "kind", ev.Kind)
	}
}

func (v *View) onTitleUpdated(ev Event) {
	v.mu.Lock()
	v.title = ev.Title
	v.mu.Unlock()

	v.emitEvent("title-updated", ev.Title)
	if ev.URL != "" {
		v.appendHistory(ev.URL, false)
	}
	v.updateURL(ev.URL)
}

func (v *View) onDidStartNavigation(ev Event) {
	v.handle.SetBackgroundColor("#FFFFFFFF")
	v.mu.Lock()
	v.favicon = ""
	v.color = ""
	v.mu.Unlock()

	v.updateNavigationState()
	v.emitEvent("load-commit", ev.URL)
	v.updateURL(ev.URL)
}

func (v *View) onDidNavigate(ev Event) {
	v.handle.SetBackgroundColor("#FFFFFFFF")
	v.emitEvent("did-navigate", ev.URL)
	v.appendHistory(ev.URL, false)
	v.updateURL(ev.URL)
}

func (v *View) onDidNavigateInPage(ev Event) {
	// In-page navigations only count in the main frame.
	if !ev.IsMainFrame {
		return
	}
	v.handle.SetBackgroundColor("#FFFFFFFF")
	v.emitEvent("title-updated", v.Title())
	v.emitEvent("did-navigate", ev.URL)
	v.appendHistory(ev.URL, true)
	v.updateURL(ev.URL)
}

func (v *View) onLoadingChanged(ev Event, loading bool) {
	v.handle.SetBackgroundColor("#FFFFFFFF")
	v.mu.Lock()
	v.loading = loading
	if loading {
		v.hasError = false
	}
	v.mu.Unlock()

	v.updateNavigationState()
	v.emitEvent("loading", loading)
	v.updateURL(ev.URL)
}

func (v *View) onDidFailLoad(ev Event) {
	// -3 is a user-initiated abort: common, expected, never an error page.
	if !ev.IsMainFrame || ev.ErrorCode == ErrAbortedCode {
		return
	}

	v.mu.Lock()
	v.errorURL = ev.URL
	v.hasError = true
	v.mu.Unlock()

	slog.Warn("load failed", "view_id", v.ID(), "url", ev.URL, "error_code", ev.ErrorCode)
	errPage := fmt.Sprintf("%s://%s/%d", ErrorPageScheme, NetworkErrorHost, ev.ErrorCode)
	if err := v.handle.Load(v.ctx, errPage); err != nil {
		slog.Warn("error page load failed", "view_id", v.ID(), "error", err)
	}
}

func (v *View) onCertificateError(ev Event) {
	// Active only when the ignore-certificate-errors setting is off. The
	// certificate is always reported untrusted; the shell never accepts it
	// on the page's behalf.
	if v.deps.Settings.IgnoreCertificateErrors {
		return
	}

	v.mu.Lock()
	v.errorURL = ev.URL
	v.mu.Unlock()

	slog.Warn("certificate error", "view_id", v.ID(), "url", ev.URL, "cert_error", ev.CertError)
	errPage := fmt.Sprintf("%s://%s/%s", ErrorPageScheme, NetworkErrorHost, ev.CertError)
	if err := v.handle.Load(v.ctx, errPage); err != nil {
		slog.Warn("error page load failed", "view_id", v.ID(), "error", err)
	}
	if err := v.handle.AnswerCertificateError(v.ctx, ev.CertEventID, false); err != nil {
		slog.Debug("certificate rejection failed", "view_id", v.ID(), "error", err)
	}
}

func (v *View) onFaviconUpdated(ev Event) {
	var candidate string
	if len(ev.Favicons) > 0 {
		candidate = ev.Favicons[0]
	} else {
		slog.Error("favicon list was empty", "view_id", v.ID())
		candidate = DefaultFavicon
	}

	v.mu.Lock()
	v.favicon = candidate
	v.mu.Unlock()

	resolved := candidate
	// Only remote references go through the resolver; embedded icons are
	// used as-is.
	if strings.HasPrefix(candidate, "http") && v.deps.Favicons != nil {
		dataURI, err := v.deps.Favicons.Resolve(v.ctx, candidate)
		if err != nil {
			slog.Warn("favicon resolution unavailable", "view_id", v.ID(), "url", candidate, "error", err)
			resolved = DefaultFavicon
			v.mu.Lock()
			v.favicon = DefaultFavicon
			v.mu.Unlock()
		} else {
			resolved = dataURI
		}
	}
	v.emitEvent("favicon-updated", resolved)
}

func (v *View) onZoomChanged(ev Event) {
	v.mu.Lock()
	factor := v.zoomFactor
	v.mu.Unlock()

	if ev.ZoomDirection == ZoomIn {
		factor += ZoomFactorIncrement
	} else {
		factor -= ZoomFactorIncrement
	}
	if factor > ZoomFactorMax || factor < ZoomFactorMin {
		// Veto: the engine's default zoom change is suppressed and state
		// stays where it was.
		return
	}

	if err := v.handle.SetZoomFactor(v.ctx, factor); err != nil {
		slog.Warn("zoom apply failed", "view_id", v.ID(), "factor", factor, "error", err)
		return
	}
	v.mu.Lock()
	v.zoomFactor = factor
	v.mu.Unlock()

	v.emitEvent("zoom-updated", factor)
	v.manager.EmitZoomUpdate()
}

func (v *View) onWindowOpen(ev Event) {
	// Native window creation is always denied for tab-like dispositions;
	// the owning window's view collection creates the tab instead.
	var err error
	switch ev.Disposition {
	case DispositionNewWindow, DispositionForegroundTab:
		_, err = v.manager.Create(v.ctx, CreateOptions{URL: ev.URL, Active: true, Incognito: v.incognito})
	case DispositionBackgroundTab:
		_, err = v.manager.Create(v.ctx, CreateOptions{URL: ev.URL, Active: false, Incognito: v.incognito})
	}
	if err != nil {
		slog.Warn("window open create failed", "view_id", v.ID(), "url", ev.URL, "error", err)
	}
}

// updateNavigationState refreshes back/forward capability, but only for the
// currently selected view; broadcasting for background views is wasted UI
// churn and is skipped.
func (v *View) updateNavigationState() {
	if v.manager.SelectedID() != v.ID() {
		return
	}
	state, err := v.handle.NavigationState(v.ctx)
	if err != nil {
		slog.Debug("navigation state query failed", "view_id", v.ID(), "error", err)
		return
	}
	v.window.Send("update-navigation-state", state)
	v.window.Send("update-navigation-state-ui", map[string]string{"url": v.URL()})
}

func (v *View) updateURL(rawURL string) {
	if rawURL == "" {
		return
	}
	v.mu.Lock()
	if v.lastURL == rawURL {
		v.mu.Unlock()
		return
	}
	v.lastURL = rawURL
	v.url = rawURL
	v.isNewTab = isNewTabURL(rawURL, v.deps.Settings.NewTabURL)
	hasError := v.hasError
	errorURL := v.errorURL
	v.mu.Unlock()

	broadcast := rawURL
	if hasError {
		broadcast = errorURL
	}
	v.emitEvent("url-updated", broadcast)
	v.updateCredentials()
	v.updateUIPage(rawURL)
}

// updateUIPage tells the window whether the current page is shell chrome,
// which changes how the renderer draws around it.
func (v *View) updateUIPage(rawURL string) {
	isUI := strings.HasPrefix(rawURL, v.deps.Settings.WebUIBaseURL) ||
		strings.HasPrefix(rawURL, ErrorPageScheme+"://")
	v.window.Send("is-ui-page", isUI)
}

func (v *View) updateCredentials() {
	if v.deps.Credentials == nil || v.incognito {
		return
	}
	host := v.Hostname()
	if host == "" {
		return
	}
	item, err := v.deps.Credentials.FindOne("formfill", map[string]any{"url": host})
	if err != nil {
		slog.Debug("formfill lookup failed", "view_id", v.ID(), "host", host, "error", err)
		return
	}
	v.emitEvent("credentials", item != nil)
}

func (v *View) appendHistory(rawURL string, inPage bool) {
	if v.incognito || v.deps.History == nil || rawURL == "" {
		return
	}
	// Internal pages never enter history.
	if strings.HasPrefix(rawURL, v.deps.Settings.WebUIBaseURL) ||
		strings.HasPrefix(rawURL, ErrorPageScheme+"://") {
		return
	}

	v.mu.Lock()
	if v.lastHistoryURL == rawURL {
		v.mu.Unlock()
		return
	}
	v.lastHistoryURL = rawURL
	title := v.title
	v.mu.Unlock()

	id := v.deps.History.Append(v.ID(), rawURL, title, inPage)
	v.mu.Lock()
	v.lastHistoryID = id
	v.mu.Unlock()
}

// emitEvent broadcasts one normalized tab event to the owning window.
func (v *View) emitEvent(event string, args ...any) {
	v.window.Send("tab-event", event, v.ID(), args)
}
