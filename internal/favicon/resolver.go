// Package favicon resolves favicon URLs into data-URI images. Resolved
// icons are cached for the process lifetime and persisted to the favicons
// table; at most one network fetch is ever in flight per URL.
package favicon

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"sync"

	ico "github.com/biessek/golang-ico"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/shell_agent/internal/storage"
)

const scope = "favicons"

// ErrNotFound indicates the icon URL resolved to HTTP 404.
var ErrNotFound = errors.New("favicon: not found")

// TransientError wraps network, decode and persistence failures that may
// succeed on a later attempt.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("favicon: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Fetcher is the URL-fetch collaborator: status code plus raw body.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (statusCode int, data []byte, err error)
}

type restyFetcher struct {
	client *resty.Client
}

func (f *restyFetcher) Fetch(ctx context.Context, url string) (int, []byte, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode(), resp.Body(), nil
}

// NewFetcher returns the default HTTP fetcher.
func NewFetcher() Fetcher {
	return &restyFetcher{client: resty.New()}
}

// Resolver deduplicates, converts, caches and persists favicon fetches.
type Resolver struct {
	store *storage.Store
	fetch Fetcher
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver creates a Resolver and warm-loads previously persisted icons
// into the in-memory cache.
func NewResolver(store *storage.Store, fetcher Fetcher) *Resolver {
	r := &Resolver{
		store: store,
		fetch: fetcher,
		cache: make(map[string]string),
	}
	if store != nil {
		docs, err := store.Find(scope, storage.Query{})
		if err != nil {
			slog.Warn("favicon cache warm load failed", "error", err)
			return r
		}
		for _, doc := range docs {
			url, _ := doc["url"].(string)
			data, _ := doc["data"].(string)
			if url != "" && data != "" {
				r.cache[url] = data
			}
		}
	}
	return r
}

// Cached returns the cached data URI for url without touching the network.
func (r *Resolver) Cached(url string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.cache[url]
	return v, ok
}

// Resolve returns the data URI for the icon at url. A cache hit returns
// immediately; otherwise the fetch/convert/persist pipeline runs once per
// URL regardless of how many callers arrive concurrently.
func (r *Resolver) Resolve(ctx context.Context, url string) (string, error) {
	if v, ok := r.Cached(url); ok {
		return v, nil
	}

	v, err, _ := r.group.Do(url, func() (any, error) {
		// A racing caller may have finished while we queued.
		if v, ok := r.Cached(url); ok {
			return v, nil
		}
		dataURI, err := r.resolveUncached(ctx, url)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[url] = dataURI
		r.mu.Unlock()
		return dataURI, nil
	})
	if err != nil {
		slog.Warn("favicon resolution failed", "url", url, "error", err)
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) resolveUncached(ctx context.Context, url string) (string, error) {
	status, data, err := r.fetch.Fetch(ctx, url)
	if err != nil {
		return "", &TransientError{Op: "fetch " + url, Err: err}
	}
	if status == 404 {
		return "", ErrNotFound
	}
	if status < 200 || status >= 300 {
		return "", &TransientError{Op: "fetch " + url, Err: fmt.Errorf("HTTP %d", status)}
	}

	// Never trust the URL extension; sniff the bytes.
	mtype := mimetype.Detect(data)
	if mtype.Is("image/x-icon") || mtype.Is("image/vnd.microsoft.icon") {
		converted, err := icoToPNG(data)
		if err != nil {
			return "", &TransientError{Op: "convert ico", Err: err}
		}
		data = converted
		mtype = mimetype.Detect(data)
	}

	dataURI := "data:" + mtype.String() + ";base64," + base64.StdEncoding.EncodeToString(data)

	if r.store != nil {
		if _, err := r.store.Insert(scope, storage.Doc{"url": url, "data": dataURI}); err != nil {
			return "", &TransientError{Op: "persist", Err: err}
		}
	}
	return dataURI, nil
}

// icoToPNG decodes the first frame of an ICO container and re-encodes it as
// PNG.
func icoToPNG(data []byte) ([]byte, error) {
	img, err := ico.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
