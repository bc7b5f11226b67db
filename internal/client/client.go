// Package client talks to a dockgen server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dockgen/dockgen/internal/job"
	"github.com/dockgen/dockgen/internal/lint"
	"github.com/dockgen/dockgen/internal/orchestrator"
)

const (
	defaultAuthHeader   = "X-Build-Token"
	defaultBaseURL      = "http://127.0.0.1:3001"
	defaultPollInterval = 500 * time.Millisecond
)

type HTTPClient struct {
	BaseURL    string
	Token      string
	AuthHeader string
	Client     *http.Client
}

type Health struct {
	Status string `json:"status"`
	Docker bool   `json:"docker"`
}

type TemplateRequest struct {
	TechStack    []string `json:"techStack,omitempty"`
	LockfileKind string   `json:"lockfileKind,omitempty"`
	StartCommand string   `json:"startCommand,omitempty"`
	BuildCommand string   `json:"buildCommand,omitempty"`
	MainFile     string   `json:"mainFile,omitempty"`
}

type TemplateResponse struct {
	Recipe         string `json:"recipe"`
	Template       string `json:"template"`
	PackageManager string `json:"packageManager"`
}

// StatusError is returned for any response with an unexpected status code.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: status=%d body=%s", e.Op, e.Status, e.Body)
}

func (c *HTTPClient) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.doJSON(ctx, "health", http.MethodGet, "/healthz", nil, nil, http.StatusOK, &h)
	return h, err
}

func (c *HTTPClient) Validate(ctx context.Context, recipe string) (lint.Result, error) {
	var res lint.Result
	body := map[string]string{"recipe": recipe}
	err := c.doJSON(ctx, "validate", http.MethodPost, "/v1/validate", nil, body, http.StatusOK, &res)
	return res, err
}

func (c *HTTPClient) Template(ctx context.Context, req TemplateRequest) (TemplateResponse, error) {
	var out TemplateResponse
	err := c.doJSON(ctx, "template", http.MethodPost, "/v1/templates", nil, req, http.StatusOK, &out)
	return out, err
}

func (c *HTTPClient) SubmitBuild(ctx context.Context, req orchestrator.Request) (string, error) {
	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := c.doJSON(ctx, "submit", http.MethodPost, "/v1/builds", nil, req, http.StatusAccepted, &payload); err != nil {
		return "", err
	}
	if payload.JobID == "" {
		return "", fmt.Errorf("submit response missing job_id")
	}
	return payload.JobID, nil
}

func (c *HTTPClient) GetBuild(ctx context.Context, jobID string) (*job.Record, error) {
	var rec job.Record
	if err := c.doJSON(ctx, "get build", http.MethodGet, path.Join("/v1/builds", jobID), nil, nil, http.StatusOK, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) ListBuilds(ctx context.Context) ([]*job.Record, error) {
	var recs []*job.Record
	err := c.doJSON(ctx, "list builds", http.MethodGet, "/v1/builds", nil, nil, http.StatusOK, &recs)
	return recs, err
}

// WaitForTerminal polls the record until it succeeds or fails. onUpdate,
// when set, sees every fetched revision.
func (c *HTTPClient) WaitForTerminal(ctx context.Context, jobID string, pollInterval time.Duration, onUpdate func(*job.Record)) (*job.Record, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		rec, err := c.GetBuild(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(rec)
		}
		if rec.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) BuildLog(ctx context.Context, jobID string, lines int) (string, error) {
	q := url.Values{}
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	raw, err := c.doRaw(ctx, "build log", http.MethodGet, path.Join("/v1/builds", jobID, "log"), q, nil, http.StatusOK)
	return string(raw), err
}

func (c *HTTPClient) Diagnostics(ctx context.Context, jobID string) (*job.DiagnosticsReport, error) {
	var report job.DiagnosticsReport
	if err := c.doJSON(ctx, "diagnostics", http.MethodGet, path.Join("/v1/builds", jobID, "diagnostics"), nil, nil, http.StatusOK, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *HTTPClient) ListImages(ctx context.Context) ([]string, error) {
	var payload struct {
		Images []string `json:"images"`
	}
	err := c.doJSON(ctx, "list images", http.MethodGet, "/v1/images", nil, nil, http.StatusOK, &payload)
	return payload.Images, err
}

// InspectImage returns the docker inspect document unchanged.
func (c *HTTPClient) InspectImage(ctx context.Context, ref string) (json.RawMessage, error) {
	raw, err := c.doRaw(ctx, "inspect image", http.MethodGet, path.Join("/v1/images", ref), nil, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func (c *HTTPClient) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.doRaw(ctx, "remove image", http.MethodDelete, path.Join("/v1/images", ref), nil, nil, http.StatusOK)
	return err
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, p string, q url.Values, in any, want int, out any) error {
	raw, err := c.doRaw(ctx, op, method, p, q, in, want)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (c *HTTPClient) doRaw(ctx context.Context, op, method, p string, q url.Values, in any, want int) ([]byte, error) {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(p, q), body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode != want {
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

func (c *HTTPClient) buildURL(p string, q url.Values) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + p
	}
	u.Path = path.Join(u.Path, p)
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPClient) setAuth(req *http.Request) {
	header := c.AuthHeader
	if header == "" {
		header = defaultAuthHeader
	}
	if strings.TrimSpace(c.Token) != "" {
		req.Header.Set(header, c.Token)
	}
}
