package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"runnerd/internal/api"
)

// apiClient talks to the runnerd HTTP API. The zero timeout on the underlying
// client is deliberate; log following long-polls past any fixed deadline, so
// per-request contexts bound each call instead.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	base := strings.TrimSpace(addr)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{},
	}
}

func (c *apiClient) startJob(ctx context.Context, req api.StartJobRequest) (api.StartJobResponse, error) {
	var resp api.StartJobResponse
	err := c.do(ctx, http.MethodPost, "/api/jobs", req, &resp)
	return resp, err
}

func (c *apiClient) listJobs(ctx context.Context) (api.JobListResponse, error) {
	var resp api.JobListResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &resp)
	return resp, err
}

func (c *apiClient) getJob(ctx context.Context, jobID string) (api.JobView, error) {
	var resp api.JobView
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

func (c *apiClient) logs(ctx context.Context, jobID string, cursor uint64, limit int, follow bool) (api.LogsResponse, error) {
	query := url.Values{}
	query.Set("cursor", strconv.FormatUint(cursor, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if follow {
		query.Set("follow", "true")
	}
	var resp api.LogsResponse
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/logs?"+query.Encode(), nil, &resp)
	return resp, err
}

func (c *apiClient) cancelJob(ctx context.Context, jobID string) (api.CancelResponse, error) {
	var resp api.CancelResponse
	err := c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(jobID), nil, &resp)
	return resp, err
}

func (c *apiClient) health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &resp)
	return resp, err
}

func (c *apiClient) history(ctx context.Context, limit int) (api.JobListResponse, error) {
	path := "/api/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp api.JobListResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *apiClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is runnerd running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			if apiErr.Holder != "" {
				return fmt.Errorf("%s (held by job %s)", apiErr.Error, apiErr.Holder)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

const requestTimeout = 10 * time.Second

func requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, requestTimeout)
}
