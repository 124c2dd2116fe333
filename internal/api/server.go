// Package api exposes the shell's control surface over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/shell_agent/internal/control"
	"github.com/dgnsrekt/shell_agent/internal/engine"
	"github.com/dgnsrekt/shell_agent/internal/history"
)

type Service interface {
	ListTabs(ctx context.Context) ([]control.TabInfo, error)
	CreateTab(ctx context.Context, url string, active, incognito bool) (control.TabInfo, error)
	CloseTab(ctx context.Context, id int) error
	SelectTab(ctx context.Context, id int) error
	Navigate(ctx context.Context, id int, url string) error
	GoBack(ctx context.Context, id int) error
	GoForward(ctx context.Context, id int) error
	Stop(ctx context.Context, id int) error
	Reload(ctx context.Context, id int) error
	ZoomIn(ctx context.Context, id int) (float64, error)
	ZoomOut(ctx context.Context, id int) (float64, error)
	ErrorURL(ctx context.Context, id int) (string, error)
	ClearBrowsingData(ctx context.Context, partition string) error
	RecentHistory(ctx context.Context, limit int) ([]history.Entry, error)
	RemoveHistory(ctx context.Context, ids []string) error
	Favicon(ctx context.Context, url string) (string, error)
}

// Attacher mounts extra raw HTTP endpoints (the renderer websocket).
type Attacher interface {
	Attach(w http.ResponseWriter, r *http.Request)
}

type tabIDInput struct {
	TabID int `path:"tab_id"`
}

func NewServer(svc Service, uiChannel Attacher) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Shell Agent API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	if uiChannel != nil {
		router.Get("/ws/ui", uiChannel.Attach)
	}

	registerTabHandlers(api, svc)
	registerDataHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *engine.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case engine.CodeBadRequest:
			return huma.Error400BadRequest(coded.Message)
		case engine.CodeViewNotFound, engine.CodeWindowNotFound, engine.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case engine.CodeNotPermitted:
			return huma.Error403Forbidden(coded.Message)
		case engine.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case engine.CodeEngineUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
