package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"go.uber.org/zap"

	"instance-sync-service/internal/config"
	"instance-sync-service/internal/logger"
	"instance-sync-service/internal/store"
)

const (
	v1Instances      = "/api/v1/instances"
	v1InstanceByName = "/api/v1/instances/{name}"
	v1AuthRefresh    = "/api/v1/auth/refresh"
)

// APIError is a structured rejection from the remote store.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %d %s %s", e.StatusCode, e.Code, e.Message)
}

// IsPermanent reports whether err is a remote rejection that retrying
// cannot fix (validation, authorization). Timeouts and rate limits stay
// transient.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Client talks to the remote authoritative store. Instances are addressed
// by natural name and scoped by the configured user identity. Tokens are
// attached per request from a guarded field, so a session refresh cannot
// race requests already in flight on the shared http client.
type Client struct {
	http           *req.Client
	user           string
	refreshTimeout time.Duration

	mu           sync.Mutex
	authToken    string
	refreshToken string
}

func NewClient(cfg config.RemoteConfig) *Client {
	client := req.C().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.GetRequestTimeout()).
		SetCommonQueryParam("user", cfg.User)

	return &Client{
		http:           client,
		user:           cfg.User,
		refreshTimeout: cfg.GetRefreshTimeout(),
		authToken:      cfg.AuthToken,
		refreshToken:   cfg.RefreshToken,
	}
}

// request builds a context-bound request carrying the current auth token.
func (c *Client) request(ctx context.Context) *req.Request {
	r := c.http.R().SetContext(ctx)

	c.mu.Lock()
	token := c.authToken
	c.mu.Unlock()
	if token != "" {
		r.SetBearerAuthToken(token)
	}
	return r
}

func (c *Client) ListInstances(ctx context.Context) ([]*store.Instance, error) {
	var instances []*store.Instance
	var apiErr APIError

	resp, err := c.request(ctx).
		SetSuccessResult(&instances).
		SetErrorResult(&apiErr).
		Get(v1Instances)

	if err := handleAPIError(resp, &apiErr, err, "list instances"); err != nil {
		return nil, err
	}

	return instances, nil
}

func (c *Client) CreateInstance(ctx context.Context, inst *store.Instance) error {
	var apiErr APIError

	resp, err := c.request(ctx).
		SetBody(inst).
		SetErrorResult(&apiErr).
		Post(v1Instances)

	return handleAPIError(resp, &apiErr, err, "create instance")
}

func (c *Client) UpdateInstance(ctx context.Context, inst *store.Instance) error {
	var apiErr APIError

	resp, err := c.request(ctx).
		SetPathParam("name", inst.Name).
		SetBody(inst).
		SetErrorResult(&apiErr).
		Put(v1InstanceByName)

	return handleAPIError(resp, &apiErr, err, "update instance")
}

func (c *Client) DeleteInstance(ctx context.Context, name string) error {
	var apiErr APIError

	resp, err := c.request(ctx).
		SetPathParam("name", name).
		SetErrorResult(&apiErr).
		Delete(v1InstanceByName)

	return handleAPIError(resp, &apiErr, err, "delete instance")
}

// RefreshSession exchanges the refresh token for a fresh token pair. It is
// idempotent on the server side and bounded by the refresh timeout, so a
// dead remote fails the call instead of hanging the reconnect path.
func (c *Client) RefreshSession(ctx context.Context) (*TokenPair, error) {
	c.mu.Lock()
	refreshToken := c.refreshToken
	c.mu.Unlock()
	if refreshToken == "" {
		return nil, errors.New("remote: refresh token missing")
	}

	refreshCtx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	var pair TokenPair
	var apiErr APIError

	resp, err := c.request(refreshCtx).
		SetBody(&refreshRequest{RefreshToken: refreshToken}).
		SetSuccessResult(&pair).
		SetErrorResult(&apiErr).
		Post(v1AuthRefresh)

	if err := handleAPIError(resp, &apiErr, err, "refresh session"); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.authToken = pair.AccessToken
	c.refreshToken = pair.RefreshToken
	c.mu.Unlock()
	logger.Log.Info("Refreshed remote session", zap.String("user", c.user))

	return &pair, nil
}

// handleAPIError folds the request error and the API error body into one
// error value. Transport errors pass through unwrapped for transient
// classification.
func handleAPIError(resp *req.Response, apiErr *APIError, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("%s: %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		apiErr.StatusCode = resp.StatusCode
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return fmt.Errorf("%s: %w", operation, apiErr)
	}

	return nil
}
