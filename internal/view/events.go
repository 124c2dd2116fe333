package view

// EventKind identifies a raw engine event delivered to a view.
type EventKind string

const (
	EventTitleUpdated       EventKind = "title-updated"
	EventDidStartNavigation EventKind = "did-start-navigation"
	EventDidNavigate        EventKind = "did-navigate"
	EventDidNavigateInPage  EventKind = "did-navigate-in-page"
	EventDidStartLoading    EventKind = "did-start-loading"
	EventDidStopLoading     EventKind = "did-stop-loading"
	EventDidFailLoad        EventKind = "did-fail-load"
	EventCertificateError   EventKind = "certificate-error"
	EventFaviconUpdated     EventKind = "favicon-updated"
	EventZoomChanged        EventKind = "zoom-changed"
	EventWindowOpen         EventKind = "window-open"
	EventMediaPlaying       EventKind = "media-started-playing"
	EventMediaPaused        EventKind = "media-paused"
)

// Window-open dispositions, as reported by the engine.
const (
	DispositionNewWindow     = "new-window"
	DispositionForegroundTab = "foreground-tab"
	DispositionBackgroundTab = "background-tab"
)

// Zoom directions.
const (
	ZoomIn  = "in"
	ZoomOut = "out"
)

// Event is one normalized engine event. Only the fields relevant to the
// kind are set.
type Event struct {
	Kind EventKind

	URL         string
	Title       string
	IsMainFrame bool

	// did-fail-load
	ErrorCode int

	// certificate-error
	CertError   string
	CertEventID int64

	// favicon-updated
	Favicons []string

	// zoom-changed
	ZoomDirection string

	// window-open
	Disposition string
}

// NavigationState mirrors the engine's back/forward capability for a view.
type NavigationState struct {
	CanGoBack    bool `json:"canGoBack"`
	CanGoForward bool `json:"canGoForward"`
}
