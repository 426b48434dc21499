package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Transport performs one controller request and returns the raw JSON result.
// Failure statuses are reported as *APIError.
type Transport interface {
	Do(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

// Client provides an HTTP client for the controller API
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    *url.URL

	mu    sync.RWMutex
	token string
}

// NewClient creates a new controller HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	// Validate required config
	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	// Parse base URL
	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid ServerURL: %q needs a scheme and host", config.ServerURL)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
		token:      config.Token,
	}, nil
}

// Authenticate exchanges the configured user and password for a bearer token
func (c *Client) Authenticate(ctx context.Context) error {
	if c.config.User == "" {
		return fmt.Errorf("authentication failed: User is required")
	}

	req := AuthRequest{
		Username: c.config.User,
		Password: c.config.Password,
	}

	var authResp AuthResponse
	if err := c.doRequest(ctx, http.MethodPost, "/auth/login", req, &authResp, false); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.SetToken(authResp.Token)
	return nil
}

// Do performs a request and returns the raw JSON result. An empty success body
// yields a nil result.
func (c *Client) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.doRequest(ctx, method, path, body, &raw, true); err != nil {
		return nil, err
	}
	return raw, nil
}

// CreateLink creates a link between two node ports
func (c *Client) CreateLink(ctx context.Context, projectID string, req CreateLinkRequest) (*CreateLinkResponse, error) {
	var resp CreateLinkResponse
	if err := c.doRequest(ctx, http.MethodPost, LinksPath(projectID), req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}
	return &resp, nil
}

// DeleteLink removes a link
func (c *Client) DeleteLink(ctx context.Context, projectID, linkID string) error {
	if err := c.doRequest(ctx, http.MethodDelete, LinkPath(projectID, linkID), nil, nil, true); err != nil {
		return fmt.Errorf("failed to delete link: %w", err)
	}
	return nil
}

// GetLink returns the controller's view of a link
func (c *Client) GetLink(ctx context.Context, projectID, linkID string) (*LinkInfo, error) {
	var info LinkInfo
	if err := c.doRequest(ctx, http.MethodGet, LinkPath(projectID, linkID), nil, &info, true); err != nil {
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return &info, nil
}

// ListLinks returns all links of a project
func (c *Client) ListLinks(ctx context.Context, projectID string) ([]LinkInfo, error) {
	var links []LinkInfo
	if err := c.doRequest(ctx, http.MethodGet, LinksPath(projectID), nil, &links, true); err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	return links, nil
}

// StartCapture starts a packet capture on a link
func (c *Client) StartCapture(ctx context.Context, projectID, linkID string, req StartCaptureRequest) (*StartCaptureResponse, error) {
	var resp StartCaptureResponse
	if err := c.doRequest(ctx, http.MethodPost, LinkPath(projectID, linkID)+"/start_capture", req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to start capture: %w", err)
	}
	return &resp, nil
}

// StopCapture stops the packet capture on a link
func (c *Client) StopCapture(ctx context.Context, projectID, linkID string) error {
	if err := c.doRequest(ctx, http.MethodPost, LinkPath(projectID, linkID)+"/stop_capture", nil, nil, true); err != nil {
		return fmt.Errorf("failed to stop capture: %w", err)
	}
	return nil
}

// Version returns the controller version; no authentication is needed
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var resp VersionResponse
	if err := c.doRequest(ctx, http.MethodGet, "/version", nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return &resp, nil
}

// doRequest performs an HTTP request with optional authentication
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any, respBody any, requireAuth bool) error {
	fullURL := c.baseURL.JoinPath(c.config.APIPrefix, path)

	// Prepare request body
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); requireAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, bodyBytes)
	}

	if respBody == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if raw, ok := respBody.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], bodyBytes...)
		return nil
	}
	if err := json.Unmarshal(bodyBytes, respBody); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// decodeAPIError builds an *APIError from a failure response body
func decodeAPIError(status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Message == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &APIError{Status: status, Message: msg}
	}
	return &APIError{Status: status, Message: errResp.Message}
}

// IsAuthenticated returns whether the client holds a token
func (c *Client) IsAuthenticated() bool {
	return c.Token() != ""
}

// Token returns the current bearer token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken sets the bearer token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

var _ Transport = (*Client)(nil)
