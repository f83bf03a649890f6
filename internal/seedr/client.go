// Package seedr is a thin client for the remote torrent-cache HTTP API. The
// coordinator treats the cache as an opaque RPC surface; this package only
// shapes requests and decodes the handful of response fields the pipeline
// reads.
package seedr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://www.seedr.cc"

// Credentials is the opaque token blob stored on the Account record.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ParseCredentials decodes a stored token blob.
func ParseCredentials(token string) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(token), &c); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse stored credentials: %w", err)
	}
	return c, nil
}

// Encode serializes credentials back into the stored form.
func (c Credentials) Encode() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// RefreshFunc is invoked with the re-encoded credentials whenever the client
// auto-refreshes its bearer token, before the triggering RPC returns. The
// coordinator uses it to write the new token back into the Account record.
type RefreshFunc func(ctx context.Context, token string) error

// Client talks to the torrent cache on behalf of one account.
type Client struct {
	http      *http.Client
	baseURL   string
	creds     Credentials
	onRefresh RefreshFunc
	log       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient builds a client from stored credentials. onRefresh may be nil.
func NewClient(creds Credentials, onRefresh RefreshFunc, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: 60 * time.Second},
		baseURL:   defaultBaseURL,
		creds:     creds,
		onRefresh: onRefresh,
		log:       log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Credentials returns the current (possibly refreshed) credentials.
func (c *Client) Credentials() Credentials {
	return c.creds
}

// Login exchanges a username and password for credentials.
func Login(ctx context.Context, username, password string, opts ...Option) (Credentials, error) {
	c := NewClient(Credentials{}, nil, zerolog.Nop(), opts...)

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", "seedr_xbmc")
	form.Set("type", "login")
	form.Set("username", username)
	form.Set("password", password)

	var creds Credentials
	if err := c.postForm(ctx, "/oauth_test/token.php", form, &creds); err != nil {
		return Credentials{}, fmt.Errorf("login failed: %w", err)
	}
	if creds.AccessToken == "" {
		return Credentials{}, fmt.Errorf("login failed: no access token in response")
	}
	return creds, nil
}

// EnsureCredentials resolves the credentials for an account: a stored token
// blob is decoded, an account that has never logged in is logged in with its
// password and the fresh token handed to persist before it is used.
func EnsureCredentials(ctx context.Context, token, username, password string, persist RefreshFunc, opts ...Option) (Credentials, error) {
	if token != "" {
		return ParseCredentials(token)
	}
	if password == "" {
		return Credentials{}, fmt.Errorf("account %s has neither a stored token nor a password", username)
	}

	creds, err := Login(ctx, username, password, opts...)
	if err != nil {
		return Credentials{}, err
	}
	if persist != nil {
		if err := persist(ctx, creds.Encode()); err != nil {
			return Credentials{}, fmt.Errorf("persisting login token: %w", err)
		}
	}
	return creds, nil
}

// rpc performs one resource call, refreshing the token and retrying once on
// an expired_token error.
func (c *Client) rpc(ctx context.Context, fn string, params url.Values, out interface{}) error {
	body, err := c.resource(ctx, fn, params)
	if err != nil {
		return err
	}

	if isExpiredToken(body) {
		if err := c.refresh(ctx); err != nil {
			return err
		}
		body, err = c.resource(ctx, fn, params)
		if err != nil {
			return err
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed %s response: %w", fn, err)
	}
	return nil
}

func (c *Client) resource(ctx context.Context, fn string, params url.Values) ([]byte, error) {
	form := url.Values{}
	for k, vs := range params {
		form[k] = vs
	}
	form.Set("func", fn)

	endpoint := fmt.Sprintf("%s/oauth_test/resource.php?access_token=%s",
		c.baseURL, url.QueryEscape(c.creds.AccessToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", fn, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", fn, err)
	}
	return body, nil
}

func isExpiredToken(body []byte) bool {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return false
	}
	return e.Error == "expired_token" || e.Error == "invalid_token"
}

func (c *Client) refresh(ctx context.Context) error {
	c.log.Debug().Msg("access token expired, refreshing")

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", "seedr_xbmc")
	form.Set("refresh_token", c.creds.RefreshToken)

	var refreshed struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.postForm(ctx, "/oauth_test/token.php", form, &refreshed); err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	if refreshed.AccessToken == "" {
		return fmt.Errorf("token refresh failed: empty access token")
	}

	c.creds.AccessToken = refreshed.AccessToken
	if c.onRefresh != nil {
		if err := c.onRefresh(ctx, c.creds.Encode()); err != nil {
			return fmt.Errorf("persisting refreshed token: %w", err)
		}
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListContents lists the workspace root, or a folder when folderID > 0.
func (c *Client) ListContents(ctx context.Context, folderID int64) (*List, error) {
	params := url.Values{}
	if folderID > 0 {
		params.Set("content_type", "folder")
		params.Set("content_id", strconv.FormatInt(folderID, 10))
	}

	var list List
	if err := c.rpc(ctx, "list_contents", params, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// AddTorrent submits a torrent or magnet URL to the cache.
func (c *Client) AddTorrent(ctx context.Context, torrentURL string) (*AddResult, error) {
	params := url.Values{}
	params.Set("torrent_magnet", torrentURL)

	var result AddResult
	if err := c.rpc(ctx, "add_torrent", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchFile resolves a short-lived HTTPS download URL for a file.
func (c *Client) FetchFile(ctx context.Context, fileID int64) (string, error) {
	params := url.Values{}
	params.Set("folder_file_id", strconv.FormatInt(fileID, 10))

	var result struct {
		URL string `json:"url"`
	}
	if err := c.rpc(ctx, "fetch_file", params, &result); err != nil {
		return "", err
	}
	if result.URL == "" {
		return "", fmt.Errorf("fetch_file returned no url for file %d", fileID)
	}
	return result.URL, nil
}

// DeleteFolder removes a folder from the workspace.
func (c *Client) DeleteFolder(ctx context.Context, folderID int64) error {
	params := url.Values{}
	params.Set("folder_id", strconv.FormatInt(folderID, 10))
	return c.rpc(ctx, "delete_folder", params, nil)
}

// DeleteFile removes a file from the workspace.
func (c *Client) DeleteFile(ctx context.Context, fileID int64) error {
	params := url.Values{}
	params.Set("folder_file_id", strconv.FormatInt(fileID, 10))
	return c.rpc(ctx, "delete_file", params, nil)
}

// DeleteTorrent removes an in-progress transfer.
func (c *Client) DeleteTorrent(ctx context.Context, torrentID int64) error {
	params := url.Values{}
	params.Set("torrent_id", strconv.FormatInt(torrentID, 10))
	return c.rpc(ctx, "delete_torrent", params, nil)
}

// Purge deletes every folder, file and torrent in the workspace. Accounts
// are pooled, so each submission starts from a clean slate.
func (c *Client) Purge(ctx context.Context) error {
	list, err := c.ListContents(ctx, 0)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	for _, folder := range list.Folders {
		if err := c.DeleteFolder(ctx, folder.ID); err != nil {
			return fmt.Errorf("purge folder %q: %w", folder.Name, err)
		}
	}
	for _, file := range list.Files {
		if err := c.DeleteFile(ctx, file.ID); err != nil {
			return fmt.Errorf("purge file %q: %w", file.Name, err)
		}
	}
	for _, torrent := range list.Torrents {
		if err := c.DeleteTorrent(ctx, torrent.ID); err != nil {
			return fmt.Errorf("purge torrent %q: %w", torrent.Name, err)
		}
	}
	return nil
}
