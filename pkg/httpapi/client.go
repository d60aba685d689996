// Copyright 2025 The axfor Authors
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


package httpapi

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

	"ledgerStore/internal/batch"
	"ledgerStore/internal/kvstore"
)

// APIError is a non 2xx answer from a ledger node
type APIError struct {
	Code     int
	Message  string
	Accepted []string // batches the node queued before refusing the rest
}

func (e *APIError) Error() string {
	if len(e.Accepted) > 0 {
		return fmt.Sprintf("ledger api: %d %s (accepted %s)", e.Code, e.Message, strings.Join(e.Accepted, ","))
	}
	return fmt.Sprintf("ledger api: %d %s", e.Code, e.Message)
}

// Client talks to the HTTP API of a ledger node
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient 创建客户端, httpClient 为 nil 时使用 http.DefaultClient
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SubmitBatches posts batches in one request. A single batch is sent as a
// plain batch object, several as a batch list.
func (c *Client) SubmitBatches(ctx context.Context, batches ...*kvstore.Batch) (*SubmitResponse, error) {
	body, err := batch.EncodeBatches(batches)
	if err != nil {
		return nil, err
	}
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/batches", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchStatuses returns the status of ids. A positive wait asks the node
// to hold the answer until none of them is Pending or wait elapses.
func (c *Client) BatchStatuses(ctx context.Context, ids []string, wait time.Duration) ([]kvstore.BatchInfo, error) {
	q := url.Values{"id": {strings.Join(ids, ",")}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var out StatusesResponse
	if err := c.do(ctx, http.MethodGet, "/batch_statuses?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// State reads key at root, or at the current root when root is empty
func (c *Client) State(ctx context.Context, key string, root kvstore.RootID) (*StateResponse, error) {
	target := "/state/" + url.PathEscape(key)
	if root != "" {
		target += "?" + url.Values{"root": {string(root)}}.Encode()
	}
	var out StateResponse
	if err := c.do(ctx, http.MethodGet, target, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StateRoot returns the current root of the node
func (c *Client) StateRoot(ctx context.Context) (kvstore.RootID, error) {
	var out RootResponse
	if err := c.do(ctx, http.MethodGet, "/state_root", nil, &out); err != nil {
		return "", err
	}
	return out.Root, nil
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+target, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error.Code == 0 {
			return &APIError{Code: resp.StatusCode, Message: resp.Status}
		}
		return &APIError{Code: eb.Error.Code, Message: eb.Error.Message, Accepted: eb.Error.Accepted}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
