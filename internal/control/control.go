// Package control is the orchestration layer between the HTTP API and the
// shell's internals: tab lifecycle, navigation, zoom, browsing-data
// clearing, history queries and favicon lookups.
package control

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgnsrekt/shell_agent/internal/engine"
	"github.com/dgnsrekt/shell_agent/internal/favicon"
	"github.com/dgnsrekt/shell_agent/internal/history"
	"github.com/dgnsrekt/shell_agent/internal/session"
	"github.com/dgnsrekt/shell_agent/internal/view"
)

// MainWindowID is the shell's single window. The session layer supports
// more; the control surface exposes one.
const MainWindowID = 1

// TabInfo describes one tab for API consumers.
type TabInfo struct {
	ID        int     `json:"id"`
	URL       string  `json:"url"`
	Title     string  `json:"title,omitempty"`
	Favicon   string  `json:"favicon,omitempty"`
	Loading   bool    `json:"loading"`
	Selected  bool    `json:"selected"`
	Incognito bool    `json:"incognito"`
	IsNewTab  bool    `json:"is_new_tab"`
	HasError  bool    `json:"has_error"`
	Zoom      float64 `json:"zoom"`
}

// Controller wires the shell's components behind one call surface.
type Controller struct {
	views    *view.Manager
	sessions *session.Manager
	history  *history.Recorder
	favicons *favicon.Resolver
}

// New builds a controller over an already-wired window.
func New(views *view.Manager, sessions *session.Manager, hist *history.Recorder, favicons *favicon.Resolver) *Controller {
	return &Controller{views: views, sessions: sessions, history: hist, favicons: favicons}
}

func (c *Controller) tab(id int) (*view.View, error) {
	v := c.views.Get(id)
	if v == nil {
		return nil, engine.NewError(engine.CodeViewNotFound, "tab %d not found", id)
	}
	return v, nil
}

func (c *Controller) tabInfo(v *view.View) TabInfo {
	return TabInfo{
		ID:        v.ID(),
		URL:       v.URL(),
		Title:     v.Title(),
		Favicon:   v.Favicon(),
		Loading:   v.Loading(),
		Selected:  c.views.SelectedID() == v.ID(),
		Incognito: v.Incognito(),
		IsNewTab:  v.IsNewTab(),
		HasError:  v.HasError(),
		Zoom:      v.ZoomFactor(),
	}
}

// ListTabs returns every tab in the main window.
func (c *Controller) ListTabs(ctx context.Context) ([]TabInfo, error) {
	views := c.views.All()
	out := make([]TabInfo, 0, len(views))
	for _, v := range views {
		out = append(out, c.tabInfo(v))
	}
	return out, nil
}

// CreateTab opens a new tab, optionally selecting it.
func (c *Controller) CreateTab(ctx context.Context, url string, active, incognito bool) (TabInfo, error) {
	id, err := c.sessions.CreateTab(ctx, MainWindowID, view.CreateOptions{URL: url, Active: active, Incognito: incognito})
	if err != nil {
		return TabInfo{}, err
	}
	v, err := c.tab(id)
	if err != nil {
		return TabInfo{}, err
	}
	return c.tabInfo(v), nil
}

// CloseTab destroys the tab; closing an unknown id is an error at this
// surface even though destroy itself is idempotent.
func (c *Controller) CloseTab(ctx context.Context, id int) error {
	if _, err := c.tab(id); err != nil {
		return err
	}
	c.views.Destroy(id)
	slog.Info("tab closed", "tab_id", id)
	return nil
}

// SelectTab brings the tab to the foreground.
func (c *Controller) SelectTab(ctx context.Context, id int) error {
	if _, err := c.tab(id); err != nil {
		return err
	}
	c.views.Select(id)
	return nil
}

// Navigate loads url in the tab.
func (c *Controller) Navigate(ctx context.Context, id int, url string) error {
	if url == "" {
		return engine.NewError(engine.CodeBadRequest, "url is required")
	}
	v, err := c.tab(id)
	if err != nil {
		return err
	}
	return v.Load(ctx, url)
}

// GoBack navigates one history entry back.
func (c *Controller) GoBack(ctx context.Context, id int) error {
	v, err := c.tab(id)
	if err != nil {
		return err
	}
	return v.GoBack(ctx)
}

// GoForward navigates one history entry forward.
func (c *Controller) GoForward(ctx context.Context, id int) error {
	v, err := c.tab(id)
	if err != nil {
		return err
	}
	return v.GoForward(ctx)
}

// Stop cancels the tab's active navigation.
func (c *Controller) Stop(ctx context.Context, id int) error {
	v, err := c.tab(id)
	if err != nil {
		return err
	}
	return v.Stop(ctx)
}

// Reload reloads the tab.
func (c *Controller) Reload(ctx context.Context, id int) error {
	v, err := c.tab(id)
	if err != nil {
		return err
	}
	return v.Reload(ctx)
}

// ZoomIn steps the tab's zoom factor up and reports the result.
func (c *Controller) ZoomIn(ctx context.Context, id int) (float64, error) {
	v, err := c.tab(id)
	if err != nil {
		return 0, err
	}
	v.ZoomIn()
	return v.ZoomFactor(), nil
}

// ZoomOut steps the tab's zoom factor down and reports the result.
func (c *Controller) ZoomOut(ctx context.Context, id int) (float64, error) {
	v, err := c.tab(id)
	if err != nil {
		return 0, err
	}
	v.ZoomOut()
	return v.ZoomFactor(), nil
}

// ErrorURL reports the URL whose load failed in the tab, if any.
func (c *Controller) ErrorURL(ctx context.Context, id int) (string, error) {
	if _, err := c.tab(id); err != nil {
		return "", err
	}
	return c.views.ErrorURL(id), nil
}

// ClearBrowsingData wipes cache and storage for one partition.
func (c *Controller) ClearBrowsingData(ctx context.Context, partition string) error {
	switch session.Partition(partition) {
	case session.PartitionNormal, session.PartitionIncognito:
		return c.sessions.ClearBrowsingData(ctx, session.Partition(partition))
	default:
		return engine.NewError(engine.CodeBadRequest, "unknown partition %q", partition)
	}
}

// RecentHistory lists the newest visits, most recent first.
func (c *Controller) RecentHistory(ctx context.Context, limit int) ([]history.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := c.history.Recent(limit)
	if err != nil {
		return nil, engine.WrapError(engine.CodeCommandFailed, err, "read history")
	}
	return entries, nil
}

// RemoveHistory deletes visits by entry id.
func (c *Controller) RemoveHistory(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return engine.NewError(engine.CodeBadRequest, "no history ids given")
	}
	if err := c.history.Remove(ids); err != nil {
		return engine.WrapError(engine.CodeCommandFailed, err, "remove history")
	}
	return nil
}

// Favicon resolves a favicon URL to a data URI, through the cache.
func (c *Controller) Favicon(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", engine.NewError(engine.CodeBadRequest, "url is required")
	}
	data, err := c.favicons.Resolve(ctx, url)
	if err != nil {
		var transient *favicon.TransientError
		switch {
		case errors.Is(err, favicon.ErrNotFound):
			return "", engine.NewError(engine.CodeNotFound, "no favicon at %s", url)
		case errors.As(err, &transient):
			return "", engine.WrapError(engine.CodeEngineUnavailable, err, "favicon fetch unavailable")
		default:
			return "", engine.WrapError(engine.CodeCommandFailed, err, "resolve favicon")
		}
	}
	return data, nil
}
