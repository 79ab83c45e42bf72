package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/roach88/tasksync/internal/entity"
)

// DefaultTimeout bounds every HTTP call. A timeout surfaces as a network error.
const DefaultTimeout = 10 * time.Second

// HTTPClient implements Client over JSON/HTTP.
type HTTPClient struct {
	base    *url.URL
	http    *http.Client
	tokens  oauth2.TokenSource
	timeout time.Duration
	logger  *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithTokenSource authenticates requests with bearer tokens from ts.
func WithTokenSource(ts oauth2.TokenSource) HTTPOption {
	return func(c *HTTPClient) {
		c.tokens = ts
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.timeout = d
	}
}

// WithHTTPClient sets the underlying transport client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) HTTPOption {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// NewHTTPClient returns a client rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("parse base url: unsupported scheme %q", u.Scheme)
	}
	c := &HTTPClient{
		base:    u,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.tokens != nil {
		// oauth2.Transport injects the Authorization header and refreshes expired tokens.
		base := c.http.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		wrapped := *c.http
		wrapped.Transport = &oauth2.Transport{Source: c.tokens, Base: base}
		c.http = &wrapped
	}
	c.http.Timeout = c.timeout
	return c, nil
}

// StaticToken returns a token source for a fixed bearer token.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// TokenSourceFromFile loads a saved oauth2.Token (JSON) from path.
func TokenSourceFromFile(path string) (oauth2.TokenSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", path, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token file %s has no access_token", path)
	}
	return oauth2.ReuseTokenSource(tok, oauth2.StaticTokenSource(tok)), nil
}

func (c *HTTPClient) List(ctx context.Context, req ListRequest) ([]entity.Entity, error) {
	q := url.Values{}
	if req.Parent != "" {
		q.Set("parent", req.Parent)
	}
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, CollectionPath(req.Kind), q, "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *HTTPClient) Create(ctx context.Context, req CreateRequest) (entity.Entity, error) {
	var e entity.Entity
	body := CreateBody{Parent: req.Parent, Fields: req.Fields}
	err := c.do(ctx, http.MethodPost, CollectionPath(req.Kind), nil, req.Token, body, &e)
	return e, err
}

func (c *HTTPClient) Update(ctx context.Context, req UpdateRequest) (entity.Entity, error) {
	var e entity.Entity
	path := CollectionPath(req.Kind) + "/" + url.PathEscape(req.ID)
	err := c.do(ctx, http.MethodPatch, path, nil, req.Token, UpdateBody{Patch: req.Patch}, &e)
	return e, err
}

func (c *HTTPClient) Delete(ctx context.Context, req DeleteRequest) error {
	path := CollectionPath(req.Kind) + "/" + url.PathEscape(req.ID)
	return c.do(ctx, http.MethodDelete, path, nil, req.Token, nil, nil)
}

func (c *HTTPClient) Reorder(ctx context.Context, req ReorderRequest) ([]string, error) {
	var resp OrderResponse
	body := ReorderBody{Parent: req.Parent, IDs: req.IDs}
	if err := c.do(ctx, http.MethodPut, CollectionPath(req.Kind)+"/order", nil, req.Token, body, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, token string, body, out any) error {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Message: fmt.Sprintf("encode request: %v", err), Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(HeaderToken, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"token", token)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindServer, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return nil
}

func transportError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &Error{Kind: KindUnauthorized, Message: "token refresh failed", Err: err}
	}
	return &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body ErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Kind != "" {
		return &Error{Kind: body.Error.Kind, Status: resp.StatusCode, Message: body.Error.Message}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{Kind: KindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: msg}
}
