// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// GatewayClient is an authenticated REST session against an industrial
// gateway. One session exists per run; gateway.login establishes it
// and the engine closes it during finalize.
type GatewayClient struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
}

// NewGatewayClient creates an unauthenticated client for baseURL.
func NewGatewayClient(baseURL string) (*GatewayClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", baseURL)
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// BaseURL returns the gateway base URL.
func (c *GatewayClient) BaseURL() string { return c.baseURL }

// Login authenticates against POST /api/v1/login and stores the
// returned bearer token for subsequent calls.
func (c *GatewayClient) Login(ctx context.Context, username, password string) error {
	body, err := c.Call(ctx, http.MethodPost, "/api/v1/login", map[string]interface{}{
		"username": username,
		"password": password,
	})
	if err != nil {
		return err
	}

	token, _ := body["token"].(string)
	if token == "" {
		return fmt.Errorf("gateway login: response contains no token")
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

// Authenticated reports whether a login has succeeded.
func (c *GatewayClient) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// ReadTag reads one tag value from GET /api/v1/tags/<tag>.
func (c *GatewayClient) ReadTag(ctx context.Context, tag string) (interface{}, error) {
	body, err := c.Call(ctx, http.MethodGet, "/api/v1/tags/"+url.PathEscape(tag), nil)
	if err != nil {
		return nil, err
	}
	return body["value"], nil
}

// WriteTag writes one tag value via PUT /api/v1/tags/<tag>.
func (c *GatewayClient) WriteTag(ctx context.Context, tag string, value interface{}) error {
	_, err := c.Call(ctx, http.MethodPut, "/api/v1/tags/"+url.PathEscape(tag), map[string]interface{}{
		"value": value,
	})
	return err
}

// Call issues one JSON request against the gateway and decodes the
// JSON response body. Non-2xx statuses are errors carrying the status
// and response text.
func (c *GatewayClient) Call(ctx context.Context, method, path string, payload interface{}) (map[string]interface{}, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode gateway request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("gateway %s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, fmt.Errorf("gateway %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	body := make(map[string]interface{})
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			// Non-object responses are wrapped rather than rejected.
			var v interface{}
			if err2 := json.Unmarshal(raw, &v); err2 != nil {
				return nil, fmt.Errorf("gateway %s %s: decode response: %w", method, path, err)
			}
			body = map[string]interface{}{"value": v}
		}
	}
	return body, nil
}

// Close invalidates the session token. The underlying transport is
// shared-nothing, so there is no connection to tear down beyond idle
// keep-alives.
func (c *GatewayClient) Close() error {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	c.http.CloseIdleConnections()
	return nil
}
