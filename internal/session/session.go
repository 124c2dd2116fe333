// Package session owns the shell's two storage partitions and the
// mediation logic layered on top of them: browsing-data clearing, the
// extension registry and page permission requests.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/shell_agent/internal/engine"
	"github.com/dgnsrekt/shell_agent/internal/view"
)

// Partition names the two session scopes. Every view lives in exactly one.
type Partition string

const (
	PartitionNormal    Partition = "persist:main"
	PartitionIncognito Partition = "incognito"
)

// StorageCategories are cleared together by ClearBrowsingData, alongside the
// HTTP cache.
var StorageCategories = []string{
	"cookies",
	"filesystem",
	"indexdb",
	"localstorage",
	"shadercache",
	"websql",
	"serviceworkers",
	"cachestorage",
}

// Backend is the engine-side surface a partition is built on.
type Backend interface {
	CreatePartition(ctx context.Context, incognito bool) (string, error)
	ClearCache(ctx context.Context, partitionID string) error
	ClearStorage(ctx context.Context, partitionID string, categories []string) error
}

// WindowRegistry resolves a window id to its view collection.
type WindowRegistry interface {
	ViewsFor(windowID int) *view.Manager
}

// PermissionDecision is the outcome of a mediated permission request.
type PermissionDecision int

const (
	// PermissionDenied rejects the request outright.
	PermissionDenied PermissionDecision = iota
	// PermissionGranted allows it.
	PermissionGranted
	// PermissionPending parks the request in the view's single pending
	// slot; it stays denied until the user resolves it.
	PermissionPending
	// PermissionIgnored drops the request without an answer.
	PermissionIgnored
)

// Manager owns the two partitions and the window registry.
type Manager struct {
	backend Backend

	mu         sync.Mutex
	partitions map[Partition]string
	windows    map[int]*view.Manager
	extensions map[string]bool
}

// NewManager creates both partitions. Incognito storage is wiped at
// creation so nothing survives a previous run.
func NewManager(ctx context.Context, backend Backend) (*Manager, error) {
	m := &Manager{
		backend:    backend,
		partitions: make(map[Partition]string),
		windows:    make(map[int]*view.Manager),
		extensions: make(map[string]bool),
	}

	normalID, err := backend.CreatePartition(ctx, false)
	if err != nil {
		return nil, engine.WrapError(engine.CodeEngineUnavailable, err, "create normal partition")
	}
	m.partitions[PartitionNormal] = normalID

	incognitoID, err := backend.CreatePartition(ctx, true)
	if err != nil {
		return nil, engine.WrapError(engine.CodeEngineUnavailable, err, "create incognito partition")
	}
	m.partitions[PartitionIncognito] = incognitoID

	if err := m.ClearBrowsingData(ctx, PartitionIncognito); err != nil {
		slog.Warn("incognito storage wipe failed", "error", err)
	}
	return m, nil
}

// PartitionID returns the backend id for p; "" for an unknown partition.
func (m *Manager) PartitionID(p Partition) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partitions[p]
}

// RegisterWindow makes windowID resolvable for tab creation and
// permission mediation.
func (m *Manager) RegisterWindow(windowID int, views *view.Manager) {
	m.mu.Lock()
	m.windows[windowID] = views
	m.mu.Unlock()
}

// UnregisterWindow removes windowID from the registry.
func (m *Manager) UnregisterWindow(windowID int) {
	m.mu.Lock()
	delete(m.windows, windowID)
	m.mu.Unlock()
}

// ViewsFor resolves a window id to its view collection, or nil.
func (m *Manager) ViewsFor(windowID int) *view.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows[windowID]
}

// ClearBrowsingData clears the HTTP cache and every storage category for
// one partition.
func (m *Manager) ClearBrowsingData(ctx context.Context, p Partition) error {
	id := m.PartitionID(p)
	if id == "" {
		return engine.NewError(engine.CodeBadRequest, "unknown partition %q", p)
	}
	if err := m.backend.ClearCache(ctx, id); err != nil {
		return engine.WrapError(engine.CodeCommandFailed, err, "clear cache for %s", p)
	}
	if err := m.backend.ClearStorage(ctx, id, StorageCategories); err != nil {
		return engine.WrapError(engine.CodeCommandFailed, err, "clear storage for %s", p)
	}
	slog.Info("browsing data cleared", "partition", string(p))
	return nil
}

// LoadExtension registers path with the normal partition. Loading into the
// incognito partition is always rejected.
func (m *Manager) LoadExtension(p Partition, path string) error {
	if p == PartitionIncognito {
		return engine.NewError(engine.CodeNotPermitted, "extensions cannot load in incognito")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.extensions[path] {
		return engine.NewError(engine.CodeBadRequest, "extension %q already loaded", path)
	}
	m.extensions[path] = true
	return nil
}

// UnloadExtension removes path from the loaded set; unknown paths are a
// no-op.
func (m *Manager) UnloadExtension(path string) {
	m.mu.Lock()
	delete(m.extensions, path)
	m.mu.Unlock()
}

// Extensions returns the loaded set.
func (m *Manager) Extensions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.extensions))
	for path := range m.extensions {
		out = append(out, path)
	}
	return out
}

// HandlePermissionRequest mediates one page permission request. Fullscreen
// is auto-granted only for the window's selected view; fullscreen requests
// from background views are ignored, never silently granted. Everything
// else is parked in the view's single pending slot and stays denied until
// resolved.
func (m *Manager) HandlePermissionRequest(windowID, viewID int, req view.PermissionRequest) PermissionDecision {
	views := m.ViewsFor(windowID)
	if views == nil {
		slog.Debug("permission request for unknown window", "window_id", windowID, "view_id", viewID)
		return PermissionDenied
	}
	v := views.Get(viewID)
	if v == nil {
		return PermissionDenied
	}

	if req.Name == "fullscreen" {
		if views.SelectedID() == viewID {
			return PermissionGranted
		}
		return PermissionIgnored
	}

	v.SetRequestedPermission(&req)
	slog.Info("permission request pending", "view_id", viewID, "permission", req.Name, "url", req.URL)
	return PermissionPending
}

// ResolvePermission clears a view's pending slot once the user answered.
// The grant itself happens engine-side; this only releases the slot.
func (m *Manager) ResolvePermission(windowID, viewID int) {
	views := m.ViewsFor(windowID)
	if views == nil {
		return
	}
	if v := views.Get(viewID); v != nil {
		v.SetRequestedPermission(nil)
	}
}

// CreateTab locates the target window and delegates to its view
// collection, returning the new view's id.
func (m *Manager) CreateTab(ctx context.Context, windowID int, opts view.CreateOptions) (int, error) {
	views := m.ViewsFor(windowID)
	if views == nil {
		return 0, engine.NewError(engine.CodeWindowNotFound, "window %d not found", windowID)
	}
	v, err := views.Create(ctx, opts)
	if err != nil {
		return 0, err
	}
	return v.ID(), nil
}
