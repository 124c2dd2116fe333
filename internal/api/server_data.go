package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/shell_agent/internal/history"
)

func registerDataHandlers(api huma.API, svc Service) {
	type clearInput struct {
		Body struct {
			Partition string `json:"partition" doc:"Partition to wipe: persist:main or incognito"`
		}
	}
	type statusOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "clear-browsing-data", Method: http.MethodPost, Path: "/api/v1/session/clear", Summary: "Clear cache and storage for a partition", Tags: []string{"Session"}},
		func(ctx context.Context, input *clearInput) (*statusOutput, error) {
			if err := svc.ClearBrowsingData(ctx, input.Body.Partition); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "cleared"
			return out, nil
		})

	type historyInput struct {
		Limit int `query:"limit" default:"50" doc:"Maximum number of entries, newest first"`
	}
	type historyOutput struct {
		Body struct {
			Entries []history.Entry `json:"entries"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "recent-history", Method: http.MethodGet, Path: "/api/v1/history", Summary: "List recent history", Tags: []string{"History"}},
		func(ctx context.Context, input *historyInput) (*historyOutput, error) {
			entries, err := svc.RecentHistory(ctx, input.Limit)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &historyOutput{}
			out.Body.Entries = entries
			return out, nil
		})

	type removeHistoryInput struct {
		Body struct {
			IDs []string `json:"ids" doc:"Entry ids to delete"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "remove-history", Method: http.MethodDelete, Path: "/api/v1/history", Summary: "Remove history entries", Tags: []string{"History"}},
		func(ctx context.Context, input *removeHistoryInput) (*statusOutput, error) {
			if err := svc.RemoveHistory(ctx, input.Body.IDs); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "removed"
			return out, nil
		})

	type faviconInput struct {
		URL string `query:"url" doc:"Favicon URL to resolve"`
	}
	type faviconOutput struct {
		Body struct {
			Data string `json:"data" doc:"Favicon as a data URI"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "resolve-favicon", Method: http.MethodGet, Path: "/api/v1/favicon", Summary: "Resolve a favicon to a data URI", Tags: []string{"Favicons"}},
		func(ctx context.Context, input *faviconInput) (*faviconOutput, error) {
			data, err := svc.Favicon(ctx, input.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &faviconOutput{}
			out.Body.Data = data
			return out, nil
		})
}
