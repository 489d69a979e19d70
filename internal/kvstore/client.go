/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package kvstore provides a client for an HTTP key-value backend that
// accepts single commands of the form ["COMMAND", args...] and atomic
// multi-command pipelines, authenticated with a bearer credential.
package kvstore

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

	"github.com/tracevault/tracevault/internal/logging"
)

const defaultRequestTimeout = 10 * time.Second

// Command is a single backend command: name followed by its arguments.
type Command []interface{}

// Cmd builds a Command.
func Cmd(args ...interface{}) Command {
	return Command(args)
}

// CommandError is a per-command error returned by the backend. For pipelined
// commands Index identifies the failing command within the batch.
type CommandError struct {
	Index   int
	Message string
}

// Error returns a string representation of CommandError.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command %d failed: %s", e.Index, e.Message)
}

// Result is a single command result as returned by the backend.
type Result struct {
	raw json.RawMessage
}

// IsNull reports whether the backend returned a null result, e.g. for a GET
// of a missing key.
func (r Result) IsNull() bool {
	return len(r.raw) == 0 || string(r.raw) == "null"
}

// Str decodes the result as a string.
func (r Result) Str() (string, error) {
	var s string
	if err := json.Unmarshal(r.raw, &s); err != nil {
		return "", fmt.Errorf("decode result as string: %w", err)
	}
	return s, nil
}

// Int decodes the result as an integer.
func (r Result) Int() (int64, error) {
	var n int64
	if err := json.Unmarshal(r.raw, &n); err != nil {
		return 0, fmt.Errorf("decode result as integer: %w", err)
	}
	return n, nil
}

// StrSlice decodes the result as a list of strings.
func (r Result) StrSlice() ([]string, error) {
	var ss []string
	if err := json.Unmarshal(r.raw, &ss); err != nil {
		return nil, fmt.Errorf("decode result as string list: %w", err)
	}
	return ss, nil
}

// Client talks to the key-value backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.FieldLogger
}

// Opts represents options for New.
type Opts struct {
	// Timeout bounds every backend request. Defaults to 10s.
	Timeout time.Duration
	// Delegate is the innermost RoundTripper. Defaults to a clone of
	// http.DefaultTransport.
	Delegate http.RoundTripper
}

// New creates a Client. Both the base URL and the auth token are required;
// the URL must be well-formed. These are construction-time errors: a client
// with invalid credentials must not serve any request.
func New(baseURL, token string, logger logging.FieldLogger) (*Client, error) {
	return NewWithOpts(baseURL, token, logger, Opts{})
}

// NewWithOpts is a more configurable version of New.
func NewWithOpts(baseURL, token string, logger logging.FieldLogger, opts Opts) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("kv store base URL is required")
	}
	if token == "" {
		return nil, fmt.Errorf("kv store auth token is required")
	}
	parsed, err := url.ParseRequestURI(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse kv store base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("kv store base URL must be http(s), got %q", parsed.Scheme)
	}

	if opts.Timeout == 0 {
		opts.Timeout = defaultRequestTimeout
	}
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}

	var transport http.RoundTripper = delegate
	transport = NewLoggingRoundTripper(transport, logger)
	transport = NewRequestIDRoundTripper(transport)
	transport = NewAuthBearerRoundTripper(transport, token)

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: transport, Timeout: opts.Timeout},
		logger:     logger,
	}, nil
}

// Do executes a single command.
func (c *Client) Do(ctx context.Context, args ...interface{}) (Result, error) {
	body, err := c.post(ctx, c.baseURL, Command(args))
	if err != nil {
		return Result{}, err
	}
	var resp commandResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{}, fmt.Errorf("decode backend response: %w", err)
	}
	if resp.Error != "" {
		return Result{}, &CommandError{Index: 0, Message: resp.Error}
	}
	return Result{raw: resp.Result}, nil
}

// Pipeline executes the given commands as one atomic batch. If any command in
// the batch reports an error, the whole operation fails with a CommandError
// carrying the failing command's index.
func (c *Client) Pipeline(ctx context.Context, cmds []Command) ([]Result, error) {
	body, err := c.post(ctx, c.baseURL+"/pipeline", cmds)
	if err != nil {
		return nil, err
	}
	var resps []commandResponse
	if err := json.Unmarshal(body, &resps); err != nil {
		return nil, fmt.Errorf("decode backend pipeline response: %w", err)
	}
	if len(resps) != len(cmds) {
		return nil, fmt.Errorf("backend returned %d results for %d commands", len(resps), len(cmds))
	}
	results := make([]Result, 0, len(resps))
	for i, resp := range resps {
		if resp.Error != "" {
			return nil, &CommandError{Index: i, Message: resp.Error}
		}
		results = append(results, Result{raw: resp.Result})
	}
	return results, nil
}

type commandResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (c *Client) post(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal backend request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	// The backend signals per-command errors in the body with a non-2xx
	// status; surface the body to keep diagnostics useful.
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var errResp commandResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
			return nil, &CommandError{Index: 0, Message: errResp.Error}
		}
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
