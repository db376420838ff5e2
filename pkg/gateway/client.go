package gateway

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
	"strconv"
	"strings"
	"time"

	"threadloom/pkg/auth"
	"threadloom/pkg/clock"
	"threadloom/pkg/retry"
)

const (
	defaultClientTimeout = 30 * time.Second
	defaultClientSubject = "cli"
)

// APIError is a non-2xx admin API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin api: %d %s", e.StatusCode, e.Message)
}

// ClientOptions tunes the admin client. Zero values pick defaults.
type ClientOptions struct {
	HTTPClient *http.Client
	Retry      retry.Policy
	Clock      clock.Clock
	Subject    string
	TokenTTL   time.Duration
}

// Client calls the admin API of a running gateway.
type Client struct {
	baseURL string
	http    *http.Client
	issuer  *auth.Issuer
	subject string
	ttl     time.Duration
	policy  retry.Policy
	clock   clock.Clock
	log     *slog.Logger
}

func NewClient(baseURL string, issuer *auth.Issuer, opts ClientOptions) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("admin base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse admin base url: %w", err)
	}
	if issuer == nil {
		return nil, errors.New("token issuer is required")
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultClientTimeout}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Subject == "" {
		opts.Subject = defaultClientSubject
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 5 * time.Minute
	}

	return &Client{
		baseURL: baseURL,
		http:    opts.HTTPClient,
		issuer:  issuer,
		subject: opts.Subject,
		ttl:     opts.TokenTTL,
		policy:  opts.Retry,
		clock:   opts.Clock,
		log:     slog.Default().With("component", "gateway.client"),
	}, nil
}

func (c *Client) ListInstances(ctx context.Context, workflow, status string, limit int) ([]InstanceView, error) {
	query := url.Values{}
	if workflow != "" {
		query.Set("workflow", workflow)
	}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	path := "/api/v1/instances"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out []InstanceView
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DescribeInstance(ctx context.Context, id string) (InstanceView, error) {
	var out InstanceView
	err := c.do(ctx, http.MethodGet, "/api/v1/instances/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) QueryInstance(ctx context.Context, id, name string) (QueryResult, error) {
	var out QueryResult
	err := c.do(ctx, http.MethodGet, "/api/v1/instances/"+url.PathEscape(id)+"/queries/"+url.PathEscape(name), nil, &out)
	return out, err
}

func (c *Client) StopInstance(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/instances/"+url.PathEscape(id)+"/stop", StopRequest{Reason: reason}, nil)
}

func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (TaskResponse, error) {
	var out TaskResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &out)
	return out, err
}

// do sends one JSON request, retrying transport errors and 5xx responses. 4xx responses
// fail immediately with *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = data
	}

	token, _, err := c.issuer.Issue(c.subject, c.ttl)
	if err != nil {
		return fmt.Errorf("issue admin token: %w", err)
	}

	result := retry.Do(ctx, c.clock, c.policy, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			return apiErrorOf(resp.StatusCode, data)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return retry.Permanent(apiErrorOf(resp.StatusCode, data))
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		c.log.Debug("Admin request failed, retrying", "method", method, "path", path, "attempt", attempt, "retry_in", delay, "error", err)
	})

	if !result.Success {
		return result.LastError
	}
	return nil
}

func apiErrorOf(status int, body []byte) *APIError {
	var payload struct {
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		message = payload.Message
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: message}
}
