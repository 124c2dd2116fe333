package view

import (
	"context"
	"log/slog"
	"sync"
)

// CreateOptions configures a new view in a window's collection.
type CreateOptions struct {
	URL       string
	Active    bool
	Incognito bool
}

// Manager owns one window's view collection and the selection pointer.
type Manager struct {
	window Window
	deps   Deps

	mu         sync.Mutex
	views      map[int]*View
	selectedID int
}

// NewManager builds an empty view collection for window.
func NewManager(window Window, deps Deps) *Manager {
	return &Manager{
		window: window,
		deps:   deps,
		views:  make(map[int]*View),
	}
}

// Create spawns a view and, when opts.Active, selects it. The new view's id
// is broadcast with the creation event so the UI can track it.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*View, error) {
	url := opts.URL
	if url == "" {
		url = m.deps.Settings.NewTabURL
	}

	v, err := newView(ctx, m, m.window, url, opts.Incognito, m.deps)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.views[v.ID()] = v
	m.mu.Unlock()

	m.window.Send("api-tabs-create", map[string]any{"tabId": v.ID()}, opts.Active)
	if opts.Active {
		m.Select(v.ID())
	}
	return v, nil
}

// Get returns the view with id, or nil.
func (m *Manager) Get(id int) *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.views[id]
}

// Selected returns the currently selected view, or nil when none is.
func (m *Manager) Selected() *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.views[m.selectedID]
}

// SelectedID returns the id of the selected view; zero when none is.
func (m *Manager) SelectedID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectedID
}

// All returns a snapshot of the collection.
func (m *Manager) All() []*View {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*View, 0, len(m.views))
	for _, v := range m.views {
		out = append(out, v)
	}
	return out
}

// Select makes id the foreground view and refreshes the UI's navigation
// state for it. Selecting an unknown id is a no-op.
func (m *Manager) Select(id int) {
	m.mu.Lock()
	v, ok := m.views[id]
	if !ok {
		m.mu.Unlock()
		slog.Debug("select of unknown view ignored", "view_id", id)
		return
	}
	m.selectedID = id
	m.mu.Unlock()

	v.updateNavigationState()
	m.window.Send("select-view", id)
	m.EmitZoomUpdate()
}

// Destroy removes and releases the view with id. Idempotent: destroying an
// already-removed id does nothing.
func (m *Manager) Destroy(id int) {
	m.mu.Lock()
	v, ok := m.views[id]
	if ok {
		delete(m.views, id)
		if m.selectedID == id {
			m.selectedID = 0
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	v.Destroy()
}

// DestroyAll tears down every view, for window close.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	views := make([]*View, 0, len(m.views))
	for _, v := range m.views {
		views = append(views, v)
	}
	m.views = make(map[int]*View)
	m.selectedID = 0
	m.mu.Unlock()

	for _, v := range views {
		v.Destroy()
	}
}

// EmitZoomUpdate broadcasts the selected view's zoom factor to the UI.
func (m *Manager) EmitZoomUpdate() {
	v := m.Selected()
	if v == nil {
		return
	}
	m.window.Send("zoom-factor-updated", v.ZoomFactor())
}

// ErrorURL answers the UI's "what URL failed" query for a given view.
func (m *Manager) ErrorURL(id int) string {
	v := m.Get(id)
	if v == nil {
		return ""
	}
	return v.ErrorURL()
}
