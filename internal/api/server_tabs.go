package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/shell_agent/internal/control"
)

func registerTabHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type tabListOutput struct {
		Body struct {
			Tabs []control.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List all tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabListOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabListOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type createTabInput struct {
		Body struct {
			URL       string `json:"url,omitempty" doc:"Initial URL; defaults to the new-tab page"`
			Active    bool   `json:"active,omitempty" doc:"Select the tab after creating it"`
			Incognito bool   `json:"incognito,omitempty" doc:"Create in the incognito partition"`
		}
	}
	type tabOutput struct {
		Body control.TabInfo
	}
	huma.Register(api, huma.Operation{OperationID: "create-tab", Method: http.MethodPost, Path: "/api/v1/tabs", Summary: "Create a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *createTabInput) (*tabOutput, error) {
			tab, err := svc.CreateTab(ctx, input.Body.URL, input.Body.Active, input.Body.Incognito)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabOutput{}
			out.Body = tab
			return out, nil
		})

	type statusOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "close-tab", Method: http.MethodDelete, Path: "/api/v1/tabs/{tab_id}", Summary: "Close a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*statusOutput, error) {
			if err := svc.CloseTab(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "closed"
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "select-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/select", Summary: "Select a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*statusOutput, error) {
			if err := svc.SelectTab(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "selected"
			return out, nil
		})

	type navigateInput struct {
		TabID int `path:"tab_id"`
		Body  struct {
			URL string `json:"url" doc:"Destination URL"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "navigate-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/navigate", Summary: "Navigate a tab", Tags: []string{"Navigation"}},
		func(ctx context.Context, input *navigateInput) (*statusOutput, error) {
			if err := svc.Navigate(ctx, input.TabID, input.Body.URL); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "navigating"
			return out, nil
		})

	navAction := func(operationID, path, summary, status string, fn func(context.Context, int) error) {
		huma.Register(api, huma.Operation{OperationID: operationID, Method: http.MethodPost, Path: path, Summary: summary, Tags: []string{"Navigation"}},
			func(ctx context.Context, input *tabIDInput) (*statusOutput, error) {
				if err := fn(ctx, input.TabID); err != nil {
					return nil, mapErr(err)
				}
				out := &statusOutput{}
				out.Body.Status = status
				return out, nil
			})
	}
	navAction("tab-back", "/api/v1/tabs/{tab_id}/back", "Go back one history entry", "back", svc.GoBack)
	navAction("tab-forward", "/api/v1/tabs/{tab_id}/forward", "Go forward one history entry", "forward", svc.GoForward)
	navAction("tab-stop", "/api/v1/tabs/{tab_id}/stop", "Stop the active navigation", "stopped", svc.Stop)
	navAction("tab-reload", "/api/v1/tabs/{tab_id}/reload", "Reload the tab", "reloading", svc.Reload)

	type zoomOutput struct {
		Body struct {
			Zoom float64 `json:"zoom"`
		}
	}
	zoomAction := func(operationID, path, summary string, fn func(context.Context, int) (float64, error)) {
		huma.Register(api, huma.Operation{OperationID: operationID, Method: http.MethodPost, Path: path, Summary: summary, Tags: []string{"Zoom"}},
			func(ctx context.Context, input *tabIDInput) (*zoomOutput, error) {
				factor, err := fn(ctx, input.TabID)
				if err != nil {
					return nil, mapErr(err)
				}
				out := &zoomOutput{}
				out.Body.Zoom = factor
				return out, nil
			})
	}
	zoomAction("tab-zoom-in", "/api/v1/tabs/{tab_id}/zoom/in", "Zoom in one step", svc.ZoomIn)
	zoomAction("tab-zoom-out", "/api/v1/tabs/{tab_id}/zoom/out", "Zoom out one step", svc.ZoomOut)

	type errorURLOutput struct {
		Body struct {
			URL string `json:"url"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "tab-error-url", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/error-url", Summary: "Get the URL whose load failed", Tags: []string{"Navigation"}},
		func(ctx context.Context, input *tabIDInput) (*errorURLOutput, error) {
			url, err := svc.ErrorURL(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &errorURLOutput{}
			out.Body.URL = url
			return out, nil
		})
}
