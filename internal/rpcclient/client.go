// Package rpcclient implements store.Store against a remote simquotad.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/medlearn/simquota/internal/plan"
	"github.com/medlearn/simquota/internal/protocol"
	"github.com/medlearn/simquota/internal/ratelimit"
	"github.com/medlearn/simquota/internal/store"
)

const (
	DefaultRetryFloor = 50 * time.Millisecond
	DefaultRetryCeil  = 10 * time.Second
)

type Options struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     slog.Logger
	APIKey     string
	// AdminKey is only needed for ExpireStaleSessions and ProvisionQuota.
	AdminKey string
	// RetryFloor and RetryCeil bound the reconnect backoff of Subscribe.
	RetryFloor time.Duration
	RetryCeil  time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	logger slog.Logger
	opts   Options
}

var _ store.Store = (*Client)(nil)

func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, xerrors.Errorf("parse server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, xerrors.Errorf("server URL scheme %q is not http or https", u.Scheme)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.RetryFloor <= 0 {
		opts.RetryFloor = DefaultRetryFloor
	}
	if opts.RetryCeil <= 0 {
		opts.RetryCeil = DefaultRetryCeil
	}
	return &Client{
		base:   u,
		http:   opts.HTTPClient,
		dialer: opts.Dialer,
		logger: opts.Logger.Named("rpcclient"),
		opts:   opts,
	}, nil
}

// Error is a non-200 answer from the server.
type Error struct {
	Status int
	protocol.ErrorPayload
}

func (e *Error) Error() string {
	return fmt.Sprintf("simquotad: %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *Error) StatusCode() int {
	return e.Status
}

// Unwrap maps NOT_FOUND back to store.ErrNotFound.
func (e *Error) Unwrap() error {
	if e.Code == protocol.ErrNotFound {
		return store.ErrNotFound
	}
	return nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func (c *Client) post(ctx context.Context, path string, headers map[string]string, body, out interface{}) error {
	if body == nil {
		body = struct{}{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return xerrors.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return xerrors.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set(protocol.HeaderAPIKey, c.opts.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, ratelimit.MaxMessageSize))
	if err != nil {
		return xerrors.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, &apiErr.ErrorPayload); err != nil || apiErr.Code == "" {
			apiErr.Code = protocol.ErrInternal
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, proc, userID string, body, out interface{}) error {
	var headers map[string]string
	if userID != "" {
		headers = map[string]string{protocol.HeaderUserID: userID}
	}
	return c.post(ctx, "/rpc/"+proc, headers, body, out)
}

func (c *Client) CanStartSimulation(ctx context.Context, userID string) (store.CanStartResult, error) {
	var res store.CanStartResult
	err := c.call(ctx, protocol.ProcCanStart, userID, nil, &res)
	return res, err
}

// StartSimulationSession reports a throttled attempt as a refusal with
// reason rate_limited rather than an error.
func (c *Client) StartSimulationSession(ctx context.Context, userID string, kind store.SessionKind, token string) (store.StartResult, error) {
	var res store.StartResult
	err := c.call(ctx, protocol.ProcStart, userID, protocol.StartRequest{Kind: kind, Token: token}, &res)
	var apiErr *Error
	if xerrors.As(err, &apiErr) && apiErr.Code == protocol.ErrRateLimited {
		return store.StartResult{Reason: plan.ReasonRateLimited}, nil
	}
	return res, err
}

func (c *Client) MarkSimulationCounted(ctx context.Context, token, userID string) (store.MarkCountedResult, error) {
	var res store.MarkCountedResult
	err := c.call(ctx, protocol.ProcMarkCounted, userID, protocol.TokenRequest{Token: token}, &res)
	return res, err
}

func (c *Client) EndSimulationSession(ctx context.Context, token, userID string) (store.EndResult, error) {
	var res store.EndResult
	err := c.call(ctx, protocol.ProcEnd, userID, protocol.TokenRequest{Token: token}, &res)
	return res, err
}

func (c *Client) AbortSimulationSession(ctx context.Context, token, userID string) (store.EndResult, error) {
	var res store.EndResult
	err := c.call(ctx, protocol.ProcAbort, userID, protocol.TokenRequest{Token: token}, &res)
	return res, err
}

func (c *Client) GetActiveSimulation(ctx context.Context, userID string) (store.ActiveSimulation, error) {
	var res store.ActiveSimulation
	err := c.call(ctx, protocol.ProcGetActive, userID, nil, &res)
	return res, err
}

func (c *Client) ExpireStaleSessions(ctx context.Context, startedBefore time.Time) (int64, error) {
	var res protocol.ExpireStaleResult
	err := c.post(ctx, "/rpc/"+protocol.ProcExpireStale,
		map[string]string{protocol.HeaderAdminKey: c.opts.AdminKey},
		protocol.ExpireStaleRequest{StartedBefore: startedBefore.UnixMilli()}, &res)
	return res.Expired, err
}

func (c *Client) GetQuota(ctx context.Context, userID string) (store.QuotaRecord, error) {
	var res store.QuotaRecord
	err := c.call(ctx, protocol.ProcGetQuota, userID, nil, &res)
	return res, err
}

func (c *Client) SetUsedCount(ctx context.Context, userID string, expected, next int64) (bool, error) {
	var res protocol.SetUsedCountResult
	err := c.call(ctx, protocol.ProcSetUsedCount, userID, protocol.SetUsedCountRequest{Expected: expected, Next: next}, &res)
	return res.Applied, err
}

// ProvisionQuota calls the admin provisioning endpoint.
func (c *Client) ProvisionQuota(ctx context.Context, userID string, tier plan.Tier) (store.QuotaRecord, error) {
	var res store.QuotaRecord
	err := c.post(ctx, "/admin/quota",
		map[string]string{protocol.HeaderAdminKey: c.opts.AdminKey},
		protocol.ProvisionRequest{UserID: userID, Tier: tier}, &res)
	return res, err
}

// BaseURL is the server URL the client was created with.
func (c *Client) BaseURL() string {
	return c.base.String()
}
