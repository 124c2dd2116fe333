package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgnsrekt/shell_agent/internal/view"
)

// netErrorCodes maps protocol error texts onto the numeric codes the shell
// exposes on its error pages. Unlisted errors collapse to the generic
// failure code.
var netErrorCodes = map[string]int{
	"net::ERR_ABORTED":               -3,
	"net::ERR_TIMED_OUT":             -7,
	"net::ERR_CONNECTION_RESET":      -101,
	"net::ERR_CONNECTION_REFUSED":    -102,
	"net::ERR_NAME_NOT_RESOLVED":     -105,
	"net::ERR_INTERNET_DISCONNECTED": -106,
	"net::ERR_ADDRESS_UNREACHABLE":   -109,
}

const genericNetErrorCode = -2

// faviconProbeJS collects the page's declared icon links once a load
// settles.
const faviconProbeJS = `JSON.stringify(Array.from(document.querySelectorAll('link[rel~="icon"]')).map(l => l.href))`

// Handle is one tab target plus its flat session. It satisfies
// view.ContentHandle.
type Handle struct {
	engine      *Engine
	viewID      int
	targetID    string
	sessionID   string
	partitionID string
	opts        view.HandleOptions

	events chan view.Event

	mu          sync.Mutex
	closed      bool
	mainFrameID string
	docRequests map[string]docRequest

	unregister []func()
	closeOnce  sync.Once
}

// docRequest tracks one in-flight document request so a later failure can
// be attributed to its URL and frame.
type docRequest struct {
	url     string
	frameID string
}

func newHandle(e *Engine, viewID int, targetID, sessionID, partitionID string, opts view.HandleOptions) *Handle {
	return &Handle{
		engine:      e,
		viewID:      viewID,
		targetID:    targetID,
		sessionID:   sessionID,
		partitionID: partitionID,
		opts:        opts,
		events:      make(chan view.Event, 64),
		docRequests: make(map[string]docRequest),
	}
}

// init enables the protocol domains the handle listens on and installs its
// event subscriptions.
func (h *Handle) init(ctx context.Context) error {
	for _, method := range []string{"Page.enable", "Runtime.enable", "Network.enable", "Security.enable"} {
		if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, method, nil); err != nil {
			return WrapError(CodeCommandFailed, err, "%s", method)
		}
	}

	if h.engine.policy.IgnoreCertificateErrors {
		params := struct {
			Ignore bool `json:"ignore"`
		}{Ignore: true}
		if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Security.setIgnoreCertificateErrors", params); err != nil {
			return WrapError(CodeCommandFailed, err, "ignore certificate errors")
		}
	} else {
		params := struct {
			Override bool `json:"override"`
		}{Override: true}
		// Older protocol name; certificate decisions route through the view.
		if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Security.setOverrideCertificateErrors", params); err != nil {
			slog.Debug("certificate override unsupported", "view_id", h.viewID, "error", err)
		}
	}

	if h.opts.DoNotTrack {
		params := struct {
			Headers map[string]string `json:"headers"`
		}{Headers: map[string]string{"DNT": "1"}}
		if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Network.setExtraHTTPHeaders", params); err != nil {
			return WrapError(CodeCommandFailed, err, "set DNT header")
		}
	}

	h.subscribe()
	return nil
}

// forSession wraps an event handler so it only fires for this handle's
// session.
func (h *Handle) forSession(fn func(params json.RawMessage)) func(string, json.RawMessage) {
	return func(sessionID string, params json.RawMessage) {
		if sessionID != h.sessionID {
			return
		}
		fn(params)
	}
}

func (h *Handle) subscribe() {
	cdp := h.engine.cdp
	h.unregister = append(h.unregister,
		cdp.registerEventHandler("Page.frameNavigated", h.forSession(h.onFrameNavigated)),
		cdp.registerEventHandler("Page.navigatedWithinDocument", h.forSession(h.onNavigatedWithinDocument)),
		cdp.registerEventHandler("Page.frameStartedLoading", h.forSession(h.onFrameStartedLoading)),
		cdp.registerEventHandler("Page.frameStoppedLoading", h.forSession(h.onFrameStoppedLoading)),
		cdp.registerEventHandler("Page.frameRequestedNavigation", h.forSession(h.onFrameRequestedNavigation)),
		cdp.registerEventHandler("Page.windowOpen", h.forSession(h.onWindowOpen)),
		cdp.registerEventHandler("Network.requestWillBeSent", h.forSession(h.onRequestWillBeSent)),
		cdp.registerEventHandler("Network.loadingFailed", h.forSession(h.onLoadingFailed)),
		cdp.registerEventHandler("Security.certificateError", h.forSession(h.onCertificateError)),
		cdp.registerEventHandler("Target.targetInfoChanged", h.onTargetInfoChanged),
	)
}

// emit forwards one normalized event without ever blocking the read loop.
// Events racing a Close are dropped; the channel is only closed under the
// same lock, so emit never sends on a closed channel.
func (h *Handle) emit(ev view.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		slog.Warn("event buffer full, dropping", "view_id", h.viewID, "kind", string(ev.Kind))
	}
}

func (h *Handle) onFrameNavigated(params json.RawMessage) {
	var p struct {
		Frame struct {
			ID       string `json:"id"`
			ParentID string `json:"parentId"`
			URL      string `json:"url"`
		} `json:"frame"`
	}
	if json.Unmarshal(params, &p) != nil {
		return
	}
	if p.Frame.ParentID != "" {
		return
	}
	h.mu.Lock()
	h.mainFrameID = p.Frame.ID
	h.mu.Unlock()
	h.emit(view.Event{Kind: view.EventDidNavigate, URL: p.Frame.URL, IsMainFrame: true})
}

func (h *Handle) onNavigatedWithinDocument(params json.RawMessage) {
	var p struct {
		FrameID string `json:"frameId"`
		URL     string `json:"url"`
	}
	if json.Unmarshal(params, &p) != nil {
		return
	}
	h.emit(view.Event{Kind: view.EventDidNavigateInPage, URL: p.URL, IsMainFrame: h.isMainFrame(p.FrameID)})
}

func (h *Handle) onFrameStartedLoading(params json.RawMessage) {
	var p struct {
		FrameID string `json:"frameId"`
	}
	if json.Unmarshal(params, &p) != nil || !h.isMainFrame(p.FrameID) {
		return
	}
	h.emit(view.Event{Kind: view.EventDidStartLoading, IsMainFrame: true})
}

func (h *Handle) onFrameStoppedLoading(params json.RawMessage) {
	var p struct {
		FrameID string `json:"frameId"`
	}
	if json.Unmarshal(params, &p) != nil || !h.isMainFrame(p.FrameID) {
		return
	}
	h.emit(view.Event{Kind: view.EventDidStopLoading, IsMainFrame: true})
	go h.probeFavicons()
}

func (h *Handle) onFrameRequestedNavigation(params json.RawMessage) {
	var p struct {
		FrameID string `json:"frameId"`
		URL     string `json:"url"`
	}
	if json.Unmarshal(params, &p) != nil || !h.isMainFrame(p.FrameID) {
		return
	}
	h.emit(view.Event{Kind: view.EventDidStartNavigation, URL: p.URL, IsMainFrame: true})
}

func (h *Handle) onWindowOpen(params json.RawMessage) {
	var p struct {
		URL         string `json:"url"`
		UserGesture bool   `json:"userGesture"`
	}
	if json.Unmarshal(params, &p) != nil {
		return
	}
	disposition := view.DispositionForegroundTab
	if !p.UserGesture {
		disposition = view.DispositionBackgroundTab
	}
	h.emit(view.Event{Kind: view.EventWindowOpen, URL: p.URL, Disposition: disposition})
}

func (h *Handle) onRequestWillBeSent(params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		FrameID   string `json:"frameId"`
		Type      string `json:"type"`
		Request   struct {
			URL string `json:"url"`
		} `json:"request"`
	}
	if json.Unmarshal(params, &p) != nil || p.Type != "Document" {
		return
	}
	h.mu.Lock()
	h.docRequests[p.RequestID] = docRequest{url: p.Request.URL, frameID: p.FrameID}
	h.mu.Unlock()
}

func (h *Handle) onLoadingFailed(params json.RawMessage) {
	var p struct {
		RequestID string `json:"requestId"`
		Type      string `json:"type"`
		ErrorText string `json:"errorText"`
		Canceled  bool   `json:"canceled"`
	}
	if json.Unmarshal(params, &p) != nil || p.Type != "Document" {
		return
	}

	h.mu.Lock()
	req := h.docRequests[p.RequestID]
	delete(h.docRequests, p.RequestID)
	mainFrame := h.mainFrameID == "" || req.frameID == h.mainFrameID
	h.mu.Unlock()

	code, ok := netErrorCodes[p.ErrorText]
	if !ok {
		code = genericNetErrorCode
	}
	if p.Canceled {
		code = netErrorCodes["net::ERR_ABORTED"]
	}
	h.emit(view.Event{Kind: view.EventDidFailLoad, URL: req.url, IsMainFrame: mainFrame, ErrorCode: code})
}

func (h *Handle) onCertificateError(params json.RawMessage) {
	var p struct {
		EventID    int64  `json:"eventId"`
		ErrorType  string `json:"errorType"`
		RequestURL string `json:"requestURL"`
	}
	if json.Unmarshal(params, &p) != nil {
		return
	}
	h.emit(view.Event{
		Kind:        view.EventCertificateError,
		URL:         p.RequestURL,
		CertError:   p.ErrorType,
		CertEventID: p.EventID,
	})
}

func (h *Handle) onTargetInfoChanged(_ string, params json.RawMessage) {
	var p struct {
		TargetInfo struct {
			TargetID string `json:"targetId"`
			Title    string `json:"title"`
			URL      string `json:"url"`
		} `json:"targetInfo"`
	}
	if json.Unmarshal(params, &p) != nil || p.TargetInfo.TargetID != h.targetID {
		return
	}
	h.emit(view.Event{Kind: view.EventTitleUpdated, Title: p.TargetInfo.Title, URL: p.TargetInfo.URL})
}

// probeFavicons asks the page for its declared icons after a load settles.
func (h *Handle) probeFavicons() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := h.engine.cdp.evaluate(ctx, h.sessionID, faviconProbeJS)
	if err != nil {
		slog.Debug("favicon probe failed", "view_id", h.viewID, "error", err)
		return
	}
	var icons []string
	if err := json.Unmarshal([]byte(out), &icons); err != nil {
		slog.Debug("favicon probe decode failed", "view_id", h.viewID, "error", err)
		return
	}
	h.emit(view.Event{Kind: view.EventFaviconUpdated, Favicons: icons})
}

func (h *Handle) isMainFrame(frameID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mainFrameID == "" || frameID == h.mainFrameID
}

// ID returns the stable view id assigned at creation.
func (h *Handle) ID() int { return h.viewID }

// Events is the normalized event stream; closed when the handle closes.
func (h *Handle) Events() <-chan view.Event { return h.events }

// Load navigates the tab.
func (h *Handle) Load(ctx context.Context, url string) error {
	params := struct {
		URL string `json:"url"`
	}{URL: url}
	if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Page.navigate", params); err != nil {
		return WrapError(CodeCommandFailed, err, "navigate to %s", url)
	}
	return nil
}

// Stop cancels the in-flight navigation.
func (h *Handle) Stop(ctx context.Context) error {
	if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Page.stopLoading", nil); err != nil {
		return WrapError(CodeCommandFailed, err, "stop loading")
	}
	return nil
}

// Reload reloads the current page.
func (h *Handle) Reload(ctx context.Context) error {
	if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Page.reload", nil); err != nil {
		return WrapError(CodeCommandFailed, err, "reload")
	}
	return nil
}

type navigationHistory struct {
	CurrentIndex int `json:"currentIndex"`
	Entries      []struct {
		ID int64 `json:"id"`
	} `json:"entries"`
}

func (h *Handle) navigationHistory(ctx context.Context) (*navigationHistory, error) {
	raw, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Page.getNavigationHistory", nil)
	if err != nil {
		return nil, WrapError(CodeCommandFailed, err, "navigation history")
	}
	var hist navigationHistory
	if err := unmarshalResult(raw, &hist); err != nil {
		return nil, err
	}
	return &hist, nil
}

func (h *Handle) navigateToEntry(ctx context.Context, entryID int64) error {
	params := struct {
		EntryID int64 `json:"entryId"`
	}{EntryID: entryID}
	if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Page.navigateToHistoryEntry", params); err != nil {
		return WrapError(CodeCommandFailed, err, "navigate to history entry")
	}
	return nil
}

// GoBack navigates one history entry back; a no-op at the beginning.
func (h *Handle) GoBack(ctx context.Context) error {
	hist, err := h.navigationHistory(ctx)
	if err != nil {
		return err
	}
	if hist.CurrentIndex <= 0 {
		return nil
	}
	return h.navigateToEntry(ctx, hist.Entries[hist.CurrentIndex-1].ID)
}

// GoForward navigates one history entry forward; a no-op at the end.
func (h *Handle) GoForward(ctx context.Context) error {
	hist, err := h.navigationHistory(ctx)
	if err != nil {
		return err
	}
	if hist.CurrentIndex >= len(hist.Entries)-1 {
		return nil
	}
	return h.navigateToEntry(ctx, hist.Entries[hist.CurrentIndex+1].ID)
}

// NavigationState reports back/forward capability.
func (h *Handle) NavigationState(ctx context.Context) (view.NavigationState, error) {
	hist, err := h.navigationHistory(ctx)
	if err != nil {
		return view.NavigationState{}, err
	}
	return view.NavigationState{
		CanGoBack:    hist.CurrentIndex > 0,
		CanGoForward: hist.CurrentIndex < len(hist.Entries)-1,
	}, nil
}

// SetZoomFactor applies a page scale.
func (h *Handle) SetZoomFactor(ctx context.Context, factor float64) error {
	params := struct {
		PageScaleFactor float64 `json:"pageScaleFactor"`
	}{PageScaleFactor: factor}
	if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Emulation.setPageScaleFactor", params); err != nil {
		return WrapError(CodeCommandFailed, err, "set zoom factor %v", factor)
	}
	return nil
}

// SetBackgroundColor overrides the page's default background. Fire and
// forget; failures only surface at debug level.
func (h *Handle) SetBackgroundColor(color string) {
	r, g, b, a, err := parseHexColor(color)
	if err != nil {
		slog.Debug("bad background color", "view_id", h.viewID, "color", color)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		params := struct {
			Color struct {
				R int     `json:"r"`
				G int     `json:"g"`
				B int     `json:"b"`
				A float64 `json:"a"`
			} `json:"color"`
		}{}
		params.Color.R, params.Color.G, params.Color.B = r, g, b
		params.Color.A = float64(a) / 255.0
		if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Emulation.setDefaultBackgroundColorOverride", params); err != nil {
			slog.Debug("background color override failed", "view_id", h.viewID, "error", err)
		}
	}()
}

// AnswerCertificateError resolves an intercepted certificate decision.
func (h *Handle) AnswerCertificateError(ctx context.Context, eventID int64, accept bool) error {
	action := "cancel"
	if accept {
		action = "continue"
	}
	params := struct {
		EventID int64  `json:"eventId"`
		Action  string `json:"action"`
	}{EventID: eventID, Action: action}
	if _, err := h.engine.cdp.sendFlat(ctx, h.sessionID, "Security.handleCertificateError", params); err != nil {
		return WrapError(CodeCommandFailed, err, "answer certificate error")
	}
	return nil
}

// Close detaches the session, closes the target and ends the event stream.
// Safe to call more than once.
func (h *Handle) Close() error {
	var closeErr error
	h.closeOnce.Do(func() {
		for _, unreg := range h.unregister {
			unreg()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.engine.cdp.detachFromTarget(ctx, h.sessionID); err != nil {
			slog.Debug("detach failed", "view_id", h.viewID, "error", err)
		}
		params := struct {
			TargetID string `json:"targetId"`
		}{TargetID: h.targetID}
		if _, err := h.engine.cdp.send(ctx, "Target.closeTarget", params); err != nil {
			closeErr = WrapError(CodeCommandFailed, err, "close target")
		}
		h.engine.dropHandle(h.viewID)
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.events)
	})
	return closeErr
}

// parseHexColor decodes #RRGGBB or #RRGGBBAA.
func parseHexColor(s string) (r, g, b, a int, err error) {
	if len(s) == 0 || s[0] != '#' {
		return 0, 0, 0, 0, fmt.Errorf("color %q: missing #", s)
	}
	hex := s[1:]
	if len(hex) != 6 && len(hex) != 8 {
		return 0, 0, 0, 0, fmt.Errorf("color %q: bad length", s)
	}
	parse := func(part string) (int, error) {
		v, err := strconv.ParseUint(part, 16, 8)
		return int(v), err
	}
	if r, err = parse(hex[0:2]); err != nil {
		return
	}
	if g, err = parse(hex[2:4]); err != nil {
		return
	}
	if b, err = parse(hex[4:6]); err != nil {
		return
	}
	a = 255
	if len(hex) == 8 {
		if a, err = parse(hex[6:8]); err != nil {
			return
		}
	}
	return r, g, b, a, nil
}
