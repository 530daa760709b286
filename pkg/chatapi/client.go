// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatapi is the HTTP client for the chat backend.
//
// # Description
//
// It covers three groups of requests:
//   - OpenStream: the streaming request whose body the session controller
//     decodes frame by frame
//   - SendOnce: the one-shot fallback returning the complete answer
//   - Session REST: list, create, rename, delete sessions and load history
//
// # Architecture
//
//	Controller → Client → HTTPClient interface → http.Client
//
// The HTTPClient interface lets tests substitute a mock transport.
//
// # Thread Safety
//
// Client is safe for concurrent use.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/chatstream/pkg/credentials"
	"github.com/AleutianAI/chatstream/pkg/logging"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultBaseURL is used when Config.BaseURL is empty.
	DefaultBaseURL = "http://localhost:8000"

	// DefaultTimeout bounds a whole request, including reading a stream.
	DefaultTimeout = 5 * time.Minute

	// DefaultSessionTitle is used by CreateSession for an empty title.
	DefaultSessionTitle = "New Conversation"

	// maxErrorBody caps how much of a failed response is kept in APIError.
	maxErrorBody = 4096
)

// =============================================================================
// Interfaces
// =============================================================================

// HTTPClient is the transport used by Client. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Errors
// =============================================================================

// APIError is returned for a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Body)
}

// Unauthorized reports whether the server rejected the credentials.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsUnauthorized reports whether err wraps a 401 APIError.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Unauthorized()
}

// =============================================================================
// Client
// =============================================================================

// Config configures a Client.
//
// # Fields
//
//   - BaseURL: Optional. Backend origin. Default: http://localhost:8000.
//   - Timeout: Optional. Per-request timeout. Default: 5 minutes.
//   - Credentials: Optional. Bearer token source. Default: no token.
//   - HTTPClient: Optional. Transport override, mainly for tests.
//   - Logger: Optional. Default: discard.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Credentials credentials.Source
	HTTPClient  HTTPClient
	Logger      *logging.Logger
}

// Client talks to the chat backend.
type Client struct {
	baseURL string
	client  HTTPClient
	creds   credentials.Source
	logger  *logging.Logger
}

// NewClient creates a Client, filling defaults for unset fields.
//
// # Examples
//
//	client := chatapi.NewClient(chatapi.Config{
//	    BaseURL:     "http://localhost:8000",
//	    Credentials: credentials.NewEnclave(token),
//	})
func NewClient(config Config) *Client {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	creds := config.Credentials
	if creds == nil {
		creds = credentials.None
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
		creds:   creds,
		logger:  logger,
	}
}

// BaseURL returns the backend origin requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// newRequest builds a request with JSON body, auth header and accept type.
func (c *Client) newRequest(ctx context.Context, method, path string, body any, accept string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if token, ok := c.creds.Token(); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// doJSON sends a request and decodes a 2xx JSON response into out.
// out may be nil when the response body is not needed.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.newRequest(ctx, method, path, in, "application/json")
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer closeBody(resp.Body, c.logger)

	if err := c.checkStatus(method, path, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// checkStatus returns an *APIError for non-2xx responses. It consumes at
// most maxErrorBody bytes of the body.
func (c *Client) checkStatus(method, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		c.logger.Error("server returned error (failed to read body)",
			"method", method,
			"path", path,
			"status_code", resp.StatusCode,
			"read_error", err,
		)
		return &APIError{StatusCode: resp.StatusCode}
	}
	body := strings.TrimSpace(string(bodyBytes))
	c.logger.Warn("server returned error",
		"method", method,
		"path", path,
		"status_code", resp.StatusCode,
		"body_length", len(body),
	)
	return &APIError{StatusCode: resp.StatusCode, Body: body}
}

// closeBody drains a little of the body so the connection can be reused,
// then closes it.
func closeBody(body io.ReadCloser, logger *logging.Logger) {
	_, _ = io.CopyN(io.Discard, body, maxErrorBody)
	if err := body.Close(); err != nil {
		logger.Debug("failed to close response body", "error", err)
	}
}
