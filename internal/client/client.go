// Package client talks to a projectbox server over its HTTP API.
package client

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

	"github.com/agentserver/projectbox/internal/apperr"
	"github.com/agentserver/projectbox/internal/migrate"
	"github.com/agentserver/projectbox/internal/orchestrator"
	"github.com/agentserver/projectbox/internal/reconcile"
	"github.com/agentserver/projectbox/internal/sbxstore"
	"github.com/agentserver/projectbox/internal/server"
	"github.com/agentserver/projectbox/internal/snapshot"
)

// Client is a thin wrapper over the /api/projects routes.
type Client struct {
	ServerURL  string
	httpClient *http.Client
}

// New creates a client for serverURL. Migrations can take minutes, so the
// default timeout is generous.
func New(serverURL string) *Client {
	return &Client{
		ServerURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) CreateProject(ctx context.Context, in orchestrator.CreateProjectInput) (*sbxstore.Project, error) {
	var p sbxstore.Project
	if err := c.do(ctx, http.MethodPost, "/api/projects", nil, in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ListProjects(ctx context.Context, in orchestrator.ListProjectsInput) (*orchestrator.ProjectPage, error) {
	q := url.Values{}
	setInt(q, "page", in.Page)
	setInt(q, "limit", in.Limit)
	setString(q, "visibility", in.Visibility)
	setString(q, "sort_by", in.SortBy)
	setString(q, "sort_order", in.SortOrder)
	setString(q, "search", in.Search)

	var page orchestrator.ProjectPage
	if err := c.do(ctx, http.MethodGet, "/api/projects", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetProject(ctx context.Context, id string) (*orchestrator.ProjectDetail, error) {
	var d orchestrator.ProjectDetail
	if err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) UpdateProject(ctx context.Context, id string, in orchestrator.UpdateProjectInput) (*sbxstore.Project, error) {
	var p sbxstore.Project
	if err := c.do(ctx, http.MethodPatch, projectPath(id, ""), nil, in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, projectPath(id, ""), nil, nil, nil)
}

// OpenProject asks the server to reconcile the project's sandbox.
func (c *Client) OpenProject(ctx context.Context, id string) (*reconcile.Result, error) {
	var res reconcile.Result
	if err := c.do(ctx, http.MethodPost, projectPath(id, "/open"), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CreateSnapshot(ctx context.Context, id string) (*server.SnapshotCreated, error) {
	var s server.SnapshotCreated
	if err := c.do(ctx, http.MethodPost, projectPath(id, "/snapshot"), nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) ListSnapshots(ctx context.Context, id string, opts snapshot.ListOptions) (*snapshot.Page, error) {
	q := url.Values{}
	setInt(q, "page", opts.Page)
	setInt(q, "limit", opts.Limit)
	setString(q, "sort_order", opts.Order)

	var page snapshot.Page
	if err := c.do(ctx, http.MethodGet, projectPath(id, "/snapshot"), q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetStatus(ctx context.Context, id string) (*orchestrator.Status, error) {
	var st orchestrator.Status
	if err := c.do(ctx, http.MethodGet, projectPath(id, "/status"), nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StatusAction posts one of refresh, cleanup or force_cleanup.
func (c *Client) StatusAction(ctx context.Context, id, action string) (*orchestrator.Status, error) {
	var st orchestrator.Status
	body := map[string]string{"action": action}
	if err := c.do(ctx, http.MethodPost, projectPath(id, "/status"), nil, body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Migrate moves the project to a fresh sandbox. On failure the server's
// migration record is returned together with the error when one was sent.
func (c *Client) Migrate(ctx context.Context, id string) (*migrate.Result, error) {
	var res migrate.Result
	err := c.do(ctx, http.MethodPost, projectPath(id, "/clone-sandbox"), nil, nil, &res)
	if err != nil {
		if res.MigrationID != "" || res.Status != "" {
			return &res, err
		}
		return nil, err
	}
	return &res, nil
}

func projectPath(id, suffix string) string {
	return "/api/projects/" + url.PathEscape(id) + suffix
}

func setInt(q url.Values, key string, v int) {
	if v > 0 {
		q.Set(key, strconv.Itoa(v))
	}
}

func setString(q url.Values, key, v string) {
	if v != "" {
		q.Set(key, v)
	}
}

// do sends one request and decodes the envelope's data into out. Error
// envelopes become *apperr.Error; their data, if any, is still decoded.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.ServerURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env server.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}

	if !env.Success {
		if env.Error == nil {
			return apperr.New(apperr.KindInternal, fmt.Sprintf("request failed with status %d", resp.StatusCode))
		}
		return &apperr.Error{Kind: env.Error.Error, Message: env.Error.Message, Details: env.Error.Details}
	}
	return nil
}
