package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zmh/Quill-sub002/internal/logging"
	"github.com/zmh/Quill-sub002/internal/models"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20

// HTTPConfig holds REST connection configuration.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	// MaxConcurrentRequests caps in-flight requests across all lanes.
	MaxConcurrentRequests int
	UserAgent             string
}

// HTTPGateway implements Gateway for the REST/JSON posts API.
type HTTPGateway struct {
	config     HTTPConfig
	base       *url.URL
	httpClient *http.Client
	creds      CredentialProvider
	sem        *semaphore.Weighted
	now        func() time.Time
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a gateway. creds may be nil for unauthenticated servers.
func NewHTTPGateway(config HTTPConfig, creds CredentialProvider) (*HTTPGateway, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL %q: %w", config.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote URL %q: scheme must be http or https", config.BaseURL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 4
	}
	if config.UserAgent == "" {
		config.UserAgent = "quill-sync/1"
	}
	return &HTTPGateway{
		config: config,
		base:   base,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: config.MaxConcurrentRequests,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		creds: creds,
		sem:   semaphore.NewWeighted(int64(config.MaxConcurrentRequests)),
		now:   time.Now,
	}, nil
}

// Create creates a post.
func (g *HTTPGateway) Create(ctx context.Context, payload models.PostFields, token string) (*RemotePost, error) {
	var out WirePost
	_, err := g.do(ctx, http.MethodPost, "/posts", ToWire(payload), token, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Remote(), nil
}

// Update replaces a post's fields, guarded by If-Unmodified-Since.
func (g *HTTPGateway) Update(ctx context.Context, remoteID string, payload models.PostFields, unmodifiedSince time.Time, token string) (*RemotePost, error) {
	headers := http.Header{}
	if !unmodifiedSince.IsZero() {
		headers.Set(HeaderIfUnmodifiedSince, unmodifiedSince.UTC().Format(time.RFC3339Nano))
	}
	var out WirePost
	_, err := g.do(ctx, http.MethodPut, "/posts/"+url.PathEscape(remoteID), ToWire(payload), token, headers, &out)
	if err != nil {
		return nil, err
	}
	return out.Remote(), nil
}

// Delete deletes a post. A post that no longer exists counts as deleted.
func (g *HTTPGateway) Delete(ctx context.Context, remoteID string, token string) error {
	_, err := g.do(ctx, http.MethodDelete, "/posts/"+url.PathEscape(remoteID), nil, token, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Fetch reads the current server state of a post.
func (g *HTTPGateway) Fetch(ctx context.Context, remoteID string) (*RemotePost, error) {
	var out WirePost
	if _, err := g.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(remoteID), nil, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Remote(), nil
}

// do executes one request under the global concurrency cap and decodes a 2xx
// body into out. Every failure is returned as *Failure.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body interface{}, token string, headers http.Header, out interface{}) (int, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return 0, &Failure{Kind: KindTransient, Message: "waiting for request slot", Err: err}
	}
	defer g.sem.Release(1)

	req, err := g.createRequest(ctx, method, path, body)
	if err != nil {
		return 0, &Failure{Kind: KindRejected, Message: "build request", Err: err}
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set(HeaderIdempotencyKey, token)
	}
	if id, ok := PostIDFrom(ctx); ok {
		req.Header.Set(HeaderPostID, id.String())
	}
	if g.creds != nil {
		cred, err := g.creds.CurrentCredential(ctx)
		if err != nil {
			return 0, &Failure{Kind: KindAuthExpired, Message: "no credential", Err: err}
		}
		cred.Apply(req)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, &Failure{Kind: KindTransient, Message: fmt.Sprintf("%s %s", method, path), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, &Failure{Kind: KindTransient, StatusCode: resp.StatusCode, Message: "read response body", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, &Failure{Kind: KindTransient, StatusCode: resp.StatusCode, Message: "decode response body", Err: err}
			}
		}
		return resp.StatusCode, nil
	}

	f := &Failure{
		Kind:       ClassifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header.Get(HeaderRetryAfter), g.now()),
		Message:    fmt.Sprintf("%s %s failed: %s", method, path, summarize(data)),
	}
	if f.Kind == KindConflict {
		var current WirePost
		if err := json.Unmarshal(data, &current); err == nil && current.ID != "" {
			f.Remote = current.Remote()
		}
	}
	logging.Debug("remote call failed", map[string]interface{}{
		"method": method,
		"path":   path,
		"status": resp.StatusCode,
		"kind":   string(f.Kind),
	})
	return resp.StatusCode, f
}

func (g *HTTPGateway) createRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base.String()+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.config.UserAgent)
	return req, nil
}

// summarize returns the server's error message or a trimmed body.
func summarize(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty body"
	}
	return s
}

// ErrNoCredential is returned by providers that have nothing configured.
var ErrNoCredential = errors.New("no credential configured")
