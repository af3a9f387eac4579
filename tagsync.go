// Package tagsync is the Go client SDK for the tagbase cloud value store.
//
// Applications store and fetch JSON values under string tags, observe change
// notifications pushed over the watch stream, and perform conflict-safe list
// mutations even when several clients race on the same tag. Writes issued
// while disconnected land in an ordered offline queue and replay on
// reconnect.
//
// Example:
//
//	client := tagsync.NewClient("dt-tagbase-...",
//		tagsync.WithProjectBucket("demo-project"),
//		tagsync.WithDeveloperBucket("alice"))
//
//	engine := tagsync.NewEngine(client, sink)
//	engine.Start(ctx)
//	defer engine.Close()
//
//	engine.AppendValue("scores", 42)
//	engine.GetValue("scores", nil) // result arrives via sink.GotValue
package tagsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL   = "https://api.tagbase.io"
	DefaultTimeout   = 30 * time.Second
	DefaultTxRetries = 10
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of Store. A Client is scoped to one
// project bucket / developer bucket pair; all tag paths are resolved inside
// that namespace.
type Client struct {
	devToken        string
	baseURL         string
	projectBucket   string
	developerBucket string
	apiKeyOverride  string
	watchPrefix     string
	origin          string
	txRetries       int
	httpClient      *http.Client
	logger          *slog.Logger
	tokens          *TokenManager
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithProjectBucket(bucket string) ClientOption {
	return func(c *Client) { c.projectBucket = bucket }
}

func WithDeveloperBucket(bucket string) ClientOption {
	return func(c *Client) { c.developerBucket = bucket }
}

// WithAPIKeyOverride supersedes any backend-embedded key for outbound calls.
func WithAPIKeyOverride(key string) ClientOption {
	return func(c *Client) { c.apiKeyOverride = key }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTxRetries bounds the optimistic-concurrency retry budget of Transact.
func WithTxRetries(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.txRetries = n
		}
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new tagbase client. devToken is the developer token
// exchanged for short-lived credentials on demand.
func NewClient(devToken string, opts ...ClientOption) *Client {
	c := &Client{
		devToken:        devToken,
		baseURL:         DefaultBaseURL,
		projectBucket:   "default",
		developerBucket: "default",
		origin:          uuid.NewString(),
		txRetries:       DefaultTxRetries,
		httpClient:      &http.Client{Timeout: DefaultTimeout},
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokens = newTokenManager(c.authenticate, c.devToken, c.logger)
	return c
}

// Origin returns the client's origin identifier, attached to every mutation
// and echoed in watch envelopes.
func (c *Client) Origin() string { return c.origin }

// Tokens exposes the credential lifecycle for diagnostics.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Unauthenticate discards the cached credential unconditionally.
func (c *Client) Unauthenticate() { c.tokens.Invalidate() }

func (c *Client) bucketPath() string {
	return "/v1/buckets/" + url.PathEscape(c.projectBucket) + "/" + url.PathEscape(c.developerBucket)
}

func (c *Client) tagPath(tag string) string {
	return c.bucketPath() + "/tags/" + url.PathEscape(tag)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, headers map[string]string, authed bool) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		cred, err := c.tokens.Current(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}
	if c.apiKeyOverride != "" {
		req.Header.Set("X-Api-Key", c.apiKeyOverride)
	}
	req.Header.Set("X-Origin", c.origin)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, storeErr("", CodeNetwork, "request failed: %v", err)
	}
	return resp, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// statusErr maps a non-2xx response to the error taxonomy. The body, when
// present, carries a {code, message} object from the backend.
func statusErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	var remote struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &remote) == nil && remote.Message != "" {
		msg = remote.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return storeErr("", CodeAuth, "%s", msg)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case http.StatusBadRequest:
		return storeErr("", CodeBadRequest, "%s", msg)
	default:
		return storeErr("", CodeNetwork, "HTTP %d: %s", resp.StatusCode, msg)
	}
}

// ============================================================================
// Auth endpoint
// ============================================================================

// authenticate is the raw token fetch; TokenManager serializes access to it.
func (c *Client) authenticate(ctx context.Context, devToken string) (*Credential, error) {
	resp, err := c.doRequest(ctx, "POST", "/v1/token", map[string]string{
		"developerToken": devToken,
		"projectBucket":  c.projectBucket,
	}, nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := statusErr(resp)
		if errCode(err) == "" || errCode(err) == CodeBadRequest {
			err = storeErr("", CodeAuth, "token fetch rejected: %v", err)
		}
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, storeErr("", CodeNetwork, "read token response: %v", err)
	}
	cred, err := decodeJSON[Credential](data)
	if err != nil {
		return nil, storeErr("", CodeAuth, "bad token response: %v", err)
	}
	return cred, nil
}

// Authenticate exchanges a developer token for a Credential, bypassing the
// cache. Most callers want the engine's token lifecycle instead.
func (c *Client) Authenticate(ctx context.Context, devToken string) (*Credential, error) {
	return c.authenticate(ctx, devToken)
}

// ============================================================================
// Tag endpoints
// ============================================================================

type tagRecord struct {
	Value   json.RawMessage `json:"value"`
	Version string          `json:"version"`
}

// Read returns the value and version stored at tag; ok=false when absent.
func (c *Client) Read(ctx context.Context, tag string) (json.RawMessage, string, bool, error) {
	resp, err := c.doRequest(ctx, "GET", c.tagPath(tag), nil, nil, true)
	if err != nil {
		return nil, "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", false, statusErr(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", false, storeErr("", CodeNetwork, "read response: %v", err)
	}
	rec, err := decodeJSON[tagRecord](data)
	if err != nil {
		return nil, "", false, err
	}
	return rec.Value, rec.Version, true, nil
}

// Write stores value at tag under the given version precondition.
func (c *Client) Write(ctx context.Context, tag string, value json.RawMessage, ifVersion, op string) (string, error) {
	headers := map[string]string{}
	if op != "" {
		headers["X-Op"] = op
	}
	switch ifVersion {
	case "":
		// unconditional
	case VersionAbsent:
		headers["If-None-Match"] = "*"
	default:
		headers["If-Match"] = ifVersion
	}

	resp, err := c.doRequest(ctx, "PUT", c.tagPath(tag), map[string]any{"value": value}, headers, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusErr(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", storeErr("", CodeNetwork, "read response: %v", err)
	}
	rec, err := decodeJSON[tagRecord](data)
	if err != nil {
		return "", err
	}
	return rec.Version, nil
}

// Delete writes the absent marker for tag. Deleting an already-absent tag
// is not an error.
func (c *Client) Delete(ctx context.Context, tag, op string) error {
	var headers map[string]string
	if op != "" {
		headers = map[string]string{"X-Op": op}
	}
	resp, err := c.doRequest(ctx, "DELETE", c.tagPath(tag), nil, headers, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return statusErr(resp)
	}
	return nil
}

// Transact implements optimistic concurrency client-side: read the current
// value and version, compute the replacement, write it back conditionally,
// and retry from the top when another writer got in between. The retry
// budget is bounded; exhausting it surfaces CodeConflictExceeded.
func (c *Client) Transact(ctx context.Context, tag, op string, fn func(json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	for attempt := 0; attempt < c.txRetries; attempt++ {
		current, version, ok, err := c.Read(ctx, tag)
		if err != nil {
			return nil, err
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		ifVersion := version
		if !ok {
			ifVersion = VersionAbsent
		}
		if _, err := c.Write(ctx, tag, next, ifVersion, op); err != nil {
			if isConflict(err) {
				c.logger.Debug("transaction conflict, retrying", "tag", tag, "attempt", attempt+1)
				continue
			}
			return nil, err
		}
		return next, nil
	}
	return nil, storeErr("", CodeConflictExceeded, "tag %q: %d transaction attempts exhausted", tag, c.txRetries)
}

// TagList returns the tags currently defined in the bucket namespace.
func (c *Client) TagList(ctx context.Context) ([]string, error) {
	resp, err := c.doRequest(ctx, "GET", c.bucketPath()+"/tags", nil, nil, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, storeErr("", CodeNetwork, "read response: %v", err)
	}
	result, err := decodeJSON[struct {
		Tags []string `json:"tags"`
	}](data)
	if err != nil {
		return nil, err
	}
	return result.Tags, nil
}
