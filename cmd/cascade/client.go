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

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/cascade/pkg/run"
)

// apiClient is a thin wrapper over the daemon's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors the daemon's {code, message} error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("request failed with status %d", resp.StatusCode)
		}
		apiErr.Status = resp.StatusCode
		return &apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type triggerResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *apiClient) trigger(ctx context.Context, workflowID, triggerType string, event map[string]any) (*triggerResponse, error) {
	var out triggerResponse
	err := c.do(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(workflowID)+"/trigger", map[string]any{
		"triggerType": triggerType,
		"event":       event,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) getRun(ctx context.Context, runID string) (*run.Run, error) {
	var out run.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) listRuns(ctx context.Context, workflowID, status string, limit int) ([]*run.Run, error) {
	q := url.Values{}
	if workflowID != "" {
		q.Set("workflow_id", workflowID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Runs []*run.Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *apiClient) cancel(ctx context.Context, runID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *apiClient) submitAction(ctx context.Context, runID, actionType string, payload map[string]any) (*triggerResponse, error) {
	var out triggerResponse
	err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/actions", map[string]any{
		"actionType": actionType,
		"payload":    payload,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// stream follows the run's SSE feed, invoking fn per event until the
// stream ends or ctx is cancelled.
func (c *apiClient) stream(ctx context.Context, runID string, fn func(event, data string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/runs/"+url.PathEscape(runID)+"/live", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream stays open for the run's lifetime.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("stream request failed with status %d", resp.StatusCode)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fn(event, strings.TrimPrefix(line, "data: "))
			if event == "done" {
				return nil
			}
		}
	}
	return scanner.Err()
}
