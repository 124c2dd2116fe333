// Package engine drives the content-rendering process over the Chrome
// DevTools Protocol. It hands out partition-scoped tab handles and
// translates raw protocol events into the shell's normalized event stream.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/shell_agent/internal/view"
)

// Policy holds the engine-wide toggles applied to every tab handle.
type Policy struct {
	IgnoreCertificateErrors bool
}

// Engine owns the browser-level CDP connection and the live tab handles.
// It implements view.HandleFactory and the session backend surface.
type Engine struct {
	cdp    *rawCDP
	policy Policy

	mu         sync.Mutex
	nextViewID int
	handles    map[int]*Handle
	partitions map[string]bool // partitionID -> incognito
}

// New builds an engine client for the debugger at httpBase
// (e.g. "http://127.0.0.1:9222").
func New(httpBase string, policy Policy) *Engine {
	return &Engine{
		cdp:        newRawCDP(httpBase),
		policy:     policy,
		handles:    make(map[int]*Handle),
		partitions: make(map[string]bool),
	}
}

// Connect establishes the browser-level websocket.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.cdp.connect(ctx); err != nil {
		return WrapError(CodeEngineUnavailable, err, "connect to engine")
	}
	return nil
}

// Close detaches every handle and drops the connection.
func (e *Engine) Close() {
	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.handles = make(map[int]*Handle)
	e.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(); err != nil {
			slog.Debug("handle close during shutdown", "view_id", h.ID(), "error", err)
		}
	}
	e.cdp.close()
}

// Targets lists the engine's open targets, for startup diagnostics.
func (e *Engine) Targets(ctx context.Context) ([]*target.Info, error) {
	infos, err := e.cdp.listTargets(ctx)
	if err != nil {
		return nil, WrapError(CodeEngineUnavailable, err, "list targets")
	}
	return infos, nil
}

// CreatePartition creates a storage partition. The normal partition is the
// engine's default browser context; incognito gets a dedicated disposable
// context.
func (e *Engine) CreatePartition(ctx context.Context, incognito bool) (string, error) {
	if !incognito {
		e.mu.Lock()
		e.partitions[""] = false
		e.mu.Unlock()
		return "", nil
	}

	params := struct {
		DisposeOnDetach bool `json:"disposeOnDetach"`
	}{DisposeOnDetach: true}
	raw, err := e.cdp.send(ctx, "Target.createBrowserContext", params)
	if err != nil {
		return "", WrapError(CodeCommandFailed, err, "create browser context")
	}
	var resp struct {
		BrowserContextID string `json:"browserContextId"`
	}
	if err := unmarshalResult(raw, &resp); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.partitions[resp.BrowserContextID] = true
	e.mu.Unlock()
	return resp.BrowserContextID, nil
}

// storageTypeNames maps the shell's clear categories onto protocol storage
// type identifiers.
var storageTypeNames = map[string]string{
	"cookies":        "cookies",
	"filesystem":     "file_systems",
	"indexdb":        "indexeddb",
	"localstorage":   "local_storage",
	"shadercache":    "shader_cache",
	"websql":         "websql",
	"serviceworkers": "service_workers",
	"cachestorage":   "cache_storage",
}

// ClearStorage wipes the given storage categories across all origins of one
// partition.
func (e *Engine) ClearStorage(ctx context.Context, partitionID string, categories []string) error {
	types := ""
	for _, c := range categories {
		name, ok := storageTypeNames[c]
		if !ok {
			return NewError(CodeBadRequest, "unknown storage category %q", c)
		}
		if types != "" {
			types += ","
		}
		types += name
	}

	params := struct {
		Origin           string `json:"origin"`
		BrowserContextID string `json:"browserContextId,omitempty"`
		StorageTypes     string `json:"storageTypes"`
	}{Origin: "*", BrowserContextID: partitionID, StorageTypes: types}

	if _, err := e.cdp.send(ctx, "Storage.clearDataForOrigin", params); err != nil {
		return WrapError(CodeCommandFailed, err, "clear storage")
	}
	return nil
}

// ClearCache flushes the HTTP cache through every live handle of the
// partition. With no live handle there is no cache session to flush; that
// is not an error.
func (e *Engine) ClearCache(ctx context.Context, partitionID string) error {
	e.mu.Lock()
	var sessions []string
	for _, h := range e.handles {
		if h.partitionID == partitionID {
			sessions = append(sessions, h.sessionID)
		}
	}
	e.mu.Unlock()

	for _, sessionID := range sessions {
		if _, err := e.cdp.sendFlat(ctx, sessionID, "Network.clearBrowserCache", nil); err != nil {
			return WrapError(CodeCommandFailed, err, "clear cache")
		}
	}
	return nil
}

// PartitionFor resolves incognito to a created partition id. The incognito
// partition must have been created first.
func (e *Engine) PartitionFor(incognito bool) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, inc := range e.partitions {
		if inc == incognito {
			return id, true
		}
	}
	return "", false
}

// NewHandle creates a tab target in the right partition and attaches a flat
// session to it.
func (e *Engine) NewHandle(ctx context.Context, url string, opts view.HandleOptions) (view.ContentHandle, error) {
	partitionID, ok := e.PartitionFor(opts.Incognito)
	if !ok {
		return nil, NewError(CodeBadRequest, "partition not created (incognito=%v)", opts.Incognito)
	}

	params := struct {
		URL              string `json:"url"`
		BrowserContextID string `json:"browserContextId,omitempty"`
	}{URL: "about:blank", BrowserContextID: partitionID}
	raw, err := e.cdp.send(ctx, "Target.createTarget", params)
	if err != nil {
		return nil, WrapError(CodeCommandFailed, err, "create target")
	}
	var created struct {
		TargetID string `json:"targetId"`
	}
	if err := unmarshalResult(raw, &created); err != nil {
		return nil, err
	}

	sessionID, err := e.cdp.attachToTarget(ctx, created.TargetID)
	if err != nil {
		return nil, WrapError(CodeCommandFailed, err, "attach to target")
	}

	e.mu.Lock()
	e.nextViewID++
	viewID := e.nextViewID
	e.mu.Unlock()

	h := newHandle(e, viewID, created.TargetID, sessionID, partitionID, opts)
	if err := h.init(ctx); err != nil {
		h.Close()
		return nil, err
	}

	e.mu.Lock()
	e.handles[viewID] = h
	e.mu.Unlock()

	slog.Info("tab handle created", "view_id", viewID, "target_id", created.TargetID, "incognito", opts.Incognito)
	return h, nil
}

func (e *Engine) dropHandle(viewID int) {
	e.mu.Lock()
	delete(e.handles, viewID)
	e.mu.Unlock()
}
