package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBasePath is the route prefix the gateway mounts its API under.
const DefaultBasePath = "/api/bookkeeper"

// Sentinel errors matched by *APIError through errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrNotOwned    = errors.New("ledger not owned by this gateway")
	ErrUnavailable = errors.New("store unavailable")
)

// APIError is returned for every non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
	// Results is populated for a failed batch delete.
	Results []DeleteResult
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// Is maps HTTP status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrNotOwned:
		return e.StatusCode == http.StatusConflict
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// Entry is a decoded ledger entry. The zero value is the empty entry the
// gateway returns for missing entries under its default policy.
type Entry struct {
	LedgerID int64  `json:"ledgerId"`
	EntryID  int64  `json:"entryId"`
	Length   int64  `json:"length"`
	Content  string `json:"content"`
}

// IsEmpty reports whether e is the empty-entry placeholder.
func (e Entry) IsEmpty() bool { return e == Entry{} }

// AppendResult reports where an appended entry landed.
type AppendResult struct {
	LedgerID int64 `json:"ledgerId"`
	EntryID  int64 `json:"entryId"`
}

// DeleteResult is the outcome for one id in a batch delete.
type DeleteResult struct {
	LedgerID int64  `json:"ledgerId"`
	Deleted  bool   `json:"deleted"`
	Error    string `json:"error,omitempty"`
}

// Client is the ledgergate SDK client.
type Client struct {
	baseURL    string
	basePath   string
	httpClient *http.Client
}

// Option is a functional option for Client.
type Option func(*Client) error

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout on the client's HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithBasePath overrides the API route prefix.
func WithBasePath(p string) Option {
	return func(c *Client) error {
		c.basePath = "/" + strings.Trim(p, "/")
		if c.basePath == "/" {
			c.basePath = ""
		}
		return nil
	}
}

// New creates a Client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		basePath:   DefaultBasePath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(fmt.Sprintf("client.MustNew: %v", err))
	}
	return c
}

// CreateLedger asks the gateway to create and own a new ledger.
func (c *Client) CreateLedger(ctx context.Context) (int64, error) {
	var id int64
	if err := c.call(ctx, http.MethodPut, "/ledgers", nil, nil, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// ListLedgers returns every ledger id in the store, ascending.
func (c *Client) ListLedgers(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := c.call(ctx, http.MethodGet, "/ledgers", nil, nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// OwnedLedgers returns the ids this gateway holds writers for.
func (c *Client) OwnedLedgers(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := c.call(ctx, http.MethodGet, "/owned-ledgers", nil, nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteLedger deletes one ledger.
func (c *Client) DeleteLedger(ctx context.Context, id int64) error {
	return c.call(ctx, http.MethodDelete, ledgerPath(id), nil, nil, nil)
}

// DeleteLedgers deletes a batch of ledgers. On partial failure the returned
// *APIError carries the per-id results.
func (c *Client) DeleteLedgers(ctx context.Context, ids []int64) error {
	if ids == nil {
		ids = []int64{}
	}
	return c.call(ctx, http.MethodPost, "/ledgers-delete", nil, ids, nil)
}

// AppendEntry appends content to an owned ledger. Pass codec "hex" when
// content is hex-encoded binary.
func (c *Client) AppendEntry(ctx context.Context, id int64, content, codec string) (*AppendResult, error) {
	body := map[string]string{"content": content}
	if codec != "" {
		body["codec"] = codec
	}
	var res AppendResult
	path := "/ledger/" + strconv.FormatInt(id, 10) + "/entries"
	if err := c.call(ctx, http.MethodPut, path, nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListEntries returns every confirmed entry in a ledger.
func (c *Client) ListEntries(ctx context.Context, id int64, codec string) ([]Entry, error) {
	var entries []Entry
	if err := c.call(ctx, http.MethodGet, ledgerPath(id)+"/entries", codecQuery(codec), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetEntry returns one entry.
func (c *Client) GetEntry(ctx context.Context, id, entryID int64, codec string) (*Entry, error) {
	var e Entry
	path := ledgerPath(id) + "/entries/" + strconv.FormatInt(entryID, 10)
	if err := c.call(ctx, http.MethodGet, path, codecQuery(codec), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetLastAddConfirmed returns the ledger's LAC, -1 when it has no entries.
func (c *Client) GetLastAddConfirmed(ctx context.Context, id int64) (int64, error) {
	var lac int64
	if err := c.call(ctx, http.MethodGet, ledgerPath(id)+"/lac", nil, nil, &lac); err != nil {
		return 0, err
	}
	return lac, nil
}

// GetLastEntry returns the entry at the LAC.
func (c *Client) GetLastEntry(ctx context.Context, id int64, codec string) (*Entry, error) {
	var e Entry
	if err := c.call(ctx, http.MethodGet, ledgerPath(id)+"/last-entry", codecQuery(codec), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Healthy reports whether the gateway's /healthz answers 200.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return resp.StatusCode == http.StatusOK, nil
}

// --- internal helpers ---

func ledgerPath(id int64) string {
	return "/ledgers/" + strconv.FormatInt(id, 10)
}

func codecQuery(codec string) url.Values {
	if codec == "" {
		return nil
	}
	return url.Values{"codec": {codec}}
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, in, out any) error {
	endpoint := c.baseURL + c.basePath + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error   string         `json:"error"`
			Results []DeleteResult `json:"results"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Results = payload.Results
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
