// Package remote talks to the offledger gateway over HTTP. Client implements
// the remote backend and lock registry the sync engine and lock manager use.
package remote

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

	"github.com/cenkalti/backoff/v4"

	"github.com/iho/offledger/internal/adapter/http/dto"
	"github.com/iho/offledger/internal/domain"
	"github.com/iho/offledger/internal/infrastructure/metrics"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	defaultTimeout       = 15 * time.Second
	defaultMaxRetries    = 3
)

// Config configures the gateway client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// Client is the HTTP client of the gateway.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	http       *http.Client
	metrics    *metrics.Metrics
}

// New creates a gateway client. m may be nil.
func New(cfg Config, m *metrics.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		http:       &http.Client{Timeout: cfg.Timeout},
		metrics:    m,
	}, nil
}

// Login exchanges the API key for a device session.
func (c *Client) Login(ctx context.Context, userID, deviceID string) (domain.RemoteSession, error) {
	body := dto.CreateSessionRequest{APIKey: c.apiKey, UserID: userID, DeviceID: deviceID}

	var resp dto.SessionResponse
	if err := c.call(ctx, "login", http.MethodPost, "/api/v1/sessions", "", body, nil, &resp); err != nil {
		return domain.RemoteSession{}, err
	}
	return resp.ToDomain(), nil
}

// ProcessOperation pushes one queued mutation. The operation ID is the
// idempotency key, so a retried push is answered from the gateway's cache.
func (c *Client) ProcessOperation(ctx context.Context, session domain.RemoteSession, req domain.OperationRequest) (*domain.OperationResult, error) {
	headers := map[string]string{idempotencyKeyHeader: req.OperationID}

	var result domain.OperationResult
	if err := c.call(ctx, "process_operation", http.MethodPost, "/api/v1/operations", session.Token, dto.OperationRequestFromDomain(req), headers, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchState returns the server copy of an entity, or nil when the server
// does not know it.
func (c *Client) FetchState(ctx context.Context, session domain.RemoteSession, entityType domain.EntityType, entityID string) (*domain.RemoteState, error) {
	path := fmt.Sprintf("/api/v1/entities/%s/%s", url.PathEscape(string(entityType)), url.PathEscape(entityID))

	var state domain.RemoteState
	err := c.retry(ctx, func() error {
		return c.call(ctx, "fetch_state", http.MethodGet, path, session.Token, nil, nil, &state)
	})
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Ping checks that the gateway answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", http.MethodGet, "/health", "", nil, nil, nil)
}

// AcquireLock claims a resource for the session's device.
func (c *Client) AcquireLock(ctx context.Context, session domain.RemoteSession, lock domain.OfflineLock) (*domain.OfflineLock, error) {
	body := dto.AcquireLockRequest{
		Resource:   lock.Resource,
		Actor:      lock.Actor,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
	}

	var resp dto.LockResponse
	if err := c.call(ctx, "acquire_lock", http.MethodPost, "/api/v1/locks/", session.Token, body, nil, &resp); err != nil {
		return nil, withResource(err, lock.Resource)
	}
	return resp.ToDomain(), nil
}

// ReleaseLock gives a resource back. Releasing a lock nobody holds succeeds.
func (c *Client) ReleaseLock(ctx context.Context, session domain.RemoteSession, resource string) error {
	err := c.call(ctx, "release_lock", http.MethodDelete, "/api/v1/locks/"+url.PathEscape(resource), session.Token, nil, nil, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return withResource(err, resource)
}

func withResource(err error, resource string) error {
	var held *domain.LockHeldError
	if errors.As(err, &held) && held.Resource == "" {
		held.Resource = resource
	}
	return err
}

// LockHolder returns the current holder of resource, or nil when it is free.
func (c *Client) LockHolder(ctx context.Context, session domain.RemoteSession, resource string) (*domain.OfflineLock, error) {
	var resp dto.LockResponse
	err := c.retry(ctx, func() error {
		return c.call(ctx, "lock_holder", http.MethodGet, "/api/v1/locks/"+url.PathEscape(resource), session.Token, nil, nil, &resp)
	})
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.ToDomain(), nil
}

// retry repeats an idempotent read while it fails transiently.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !errors.Is(err, domain.ErrTransientNetwork) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx))
}

var errNotFound = errors.New("remote: not found")

func (c *Client) call(ctx context.Context, name, method, path, token string, body any, headers map[string]string, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RemoteCallDurations.WithLabelValues(name, outcome(err)).Observe(time.Since(start).Seconds())
		}
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", name, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrTransientNetwork, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", domain.ErrTransientNetwork, name, err)
		}
		return nil
	}

	var apiErr dto.ErrorResponse
	json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&apiErr)
	return decodeError(name, resp.StatusCode, &apiErr, token != "")
}

// decodeError maps a gateway error response onto the domain taxonomy. Any
// 401 on an authenticated call means the session must be renewed.
func decodeError(name string, status int, resp *dto.ErrorResponse, authenticated bool) error {
	msg := resp.Message
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized && !authenticated:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrSessionExpired, msg)
	case status == http.StatusNotFound:
		return errNotFound
	case status == http.StatusConflict && resp.Error == dto.CodeLockHeld:
		return &domain.LockHeldError{Holder: resp.Holder}
	case status == http.StatusConflict && resp.Error == dto.CodeRequestInFlight:
		return fmt.Errorf("%w: %s: %s", domain.ErrTransientNetwork, name, msg)
	case status == http.StatusConflict:
		reason := resp.Reason
		if reason == "" {
			reason = domain.RemoteReasonVersionMismatch
		}
		return &domain.RemoteConflictError{Reason: reason, State: resp.State}
	case status == http.StatusUnprocessableEntity && resp.Reason == domain.RemoteReasonReferential:
		return &domain.RemoteConflictError{Reason: resp.Reason, State: resp.State}
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrValidationFailure, msg)
	case status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: %s: status %d", domain.ErrTransientNetwork, name, status)
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", name, status, msg)
	}
}

func outcome(err error) string {
	var rejection *domain.RemoteConflictError
	switch {
	case err == nil, errors.Is(err, errNotFound):
		return "ok"
	case errors.As(err, &rejection), errors.Is(err, domain.ErrLockHeld):
		return "conflict"
	case errors.Is(err, domain.ErrSessionExpired), errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrTransientNetwork):
		return "transient"
	default:
		return "error"
	}
}
