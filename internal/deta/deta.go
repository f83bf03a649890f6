// Package deta is a thin client for the Deta object store: a Drive per
// content hash for file bodies, and a Base holding one metadata row per
// uploaded file. The store deduplicates by content key, which is what makes
// the coordinator's at-least-once upload contract safe.
package deta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultDriveHost = "https://drive.deta.sh/v1"
	defaultBaseHost  = "https://database.deta.sh/v1"
)

// Client authenticates against the Deta API with a project key.
type Client struct {
	http      *http.Client
	projectID string
	key       string
	driveHost string
	baseHost  string
}

// Option configures a Client.
type Option func(*Client)

// WithHosts overrides the API endpoints (tests).
func WithHosts(driveHost, baseHost string) Option {
	return func(c *Client) {
		c.driveHost = driveHost
		c.baseHost = baseHost
	}
}

// New builds a client from a project key. The key's prefix up to the first
// underscore is the project id.
func New(projectKey string, opts ...Option) (*Client, error) {
	projectID, _, ok := strings.Cut(projectKey, "_")
	if !ok || projectID == "" {
		return nil, fmt.Errorf("invalid project key format")
	}

	c := &Client{
		http:      &http.Client{Timeout: 10 * time.Minute},
		projectID: projectID,
		key:       projectKey,
		driveHost: defaultDriveHost,
		baseHost:  defaultBaseHost,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PutFile streams the file at path into the named drive under name.
func (c *Client) PutFile(ctx context.Context, drive, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	endpoint := fmt.Sprintf("%s/%s/%s/files?name=%s",
		c.driveHost, c.projectID, url.PathEscape(drive), url.QueryEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, f)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.key)
	req.Header.Set("Content-Type", "application/octet-stream")
	if info, err := f.Stat(); err == nil {
		req.ContentLength = info.Size()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("drive upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("drive upload returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Insert appends one record to the named base.
func (c *Client) Insert(ctx context.Context, base string, item interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"items": []interface{}{item},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal base item: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/items", c.baseHost, c.projectID, url.PathEscape(base))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("base insert failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusMultiStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("base insert returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
