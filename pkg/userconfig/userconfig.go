// Package userconfig implements the per-task config overlay boundary: an
// opaque key→config fetcher backed by an HTTP sidecar. The consumer looks
// up the task creator's login before handing the task to the handler and
// applies any override found.
package userconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Overlay is the subset of per-task settings a user may override over the
// fleet-wide config.
type Overlay struct {
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Fetcher is the opaque key→config boundary. Implementations may return
// ErrNotFound when the user has no override on file, which the consumer
// treats as "use the fleet default" rather than a failure.
type Fetcher interface {
	Fetch(ctx context.Context, user string) (Overlay, error)
}

// ErrNotFound signals the sidecar has no override for the requested user.
var ErrNotFound = fmt.Errorf("userconfig: no override for user")

// HTTPFetcher is a minimal concrete Fetcher against a sidecar exposing
// GET {baseURL}/users/{user}/config -> Overlay JSON, 404 when absent.
type HTTPFetcher struct {
	baseURL string
	http    *http.Client
}

// NewHTTPFetcher constructs an HTTPFetcher against baseURL.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

var _ Fetcher = (*HTTPFetcher)(nil)

// Fetch retrieves the overlay for user, returning ErrNotFound on a 404.
func (f *HTTPFetcher) Fetch(ctx context.Context, user string) (Overlay, error) {
	url := fmt.Sprintf("%s/users/%s/config", f.baseURL, user)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Overlay{}, fmt.Errorf("userconfig: build request: %w", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return Overlay{}, fmt.Errorf("userconfig: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Overlay{}, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return Overlay{}, fmt.Errorf("userconfig: sidecar returned %d: %s", resp.StatusCode, buf.String())
	}

	var overlay Overlay
	if err := json.NewDecoder(resp.Body).Decode(&overlay); err != nil {
		return Overlay{}, fmt.Errorf("userconfig: decode overlay: %w", err)
	}
	return overlay, nil
}
