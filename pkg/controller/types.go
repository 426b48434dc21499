package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the controller (e.g., "http://localhost:3080")
	ServerURL string `yaml:"server_url"`

	// APIPrefix is prepended to every request path (default "/v2")
	APIPrefix string `yaml:"api_prefix"`

	// User and Password are exchanged for a bearer token by Authenticate
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// Token is a bearer token obtained earlier (optional)
	Token string `yaml:"token"`

	// Timeout for HTTP requests
	Timeout time.Duration `yaml:"timeout"`

	// MaxInFlight bounds concurrent asynchronous requests
	MaxInFlight int `yaml:"max_in_flight"`

	// Registerer receives the request metrics; nil leaves them unregistered
	Registerer prometheus.Registerer `yaml:"-"`
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.APIPrefix == "" {
		c.APIPrefix = "/v2"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 16
	}
}

// LinkID is the controller-assigned link identifier. Controllers issue UUID
// strings; numeric identifiers are accepted and kept in decimal form.
type LinkID string

// UnmarshalJSON accepts both JSON strings and JSON numbers.
func (id *LinkID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = LinkID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("link_id must be a string or number: %w", err)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*id = LinkID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = LinkID(n.String())
	return nil
}

// LinkEndpoint identifies one side of a link on the controller
type LinkEndpoint struct {
	NodeID        string `json:"node_id"`
	AdapterNumber int    `json:"adapter_number"`
	PortNumber    int    `json:"port_number"`
}

// CreateLinkRequest is the body of POST /projects/{project_id}/links
type CreateLinkRequest struct {
	Nodes []LinkEndpoint `json:"nodes"`
}

// CreateLinkResponse is the controller's answer to a create request
type CreateLinkResponse struct {
	LinkID LinkID `json:"link_id"`
}

// StartCaptureRequest is the body of POST .../start_capture
type StartCaptureRequest struct {
	CaptureFileName string `json:"capture_file_name"`
	DataLinkType    string `json:"data_link_type"`
}

// StartCaptureResponse carries the path of the capture file on the controller
type StartCaptureResponse struct {
	CaptureFilePath string `json:"capture_file_path"`
}

// LinkInfo is the controller's view of a link
type LinkInfo struct {
	LinkID          LinkID         `json:"link_id"`
	ProjectID       string         `json:"project_id"`
	Nodes           []LinkEndpoint `json:"nodes"`
	Capturing       bool           `json:"capturing"`
	CaptureFileName string         `json:"capture_file_name,omitempty"`
	CaptureFilePath string         `json:"capture_file_path,omitempty"`
}

// AuthRequest is the body of POST /auth/login
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	User      string    `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VersionResponse reports the controller version
type VersionResponse struct {
	Version string `json:"version"`
	Local   bool   `json:"local"`
}

// ErrorResponse is the JSON body of a failed controller request
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// APIError is returned when the controller answers with a failure status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller error (%d): %s", e.Status, e.Message)
}

// LinksPath returns the collection path for the links of a project.
func LinksPath(projectID string) string {
	return "/projects/" + url.PathEscape(projectID) + "/links"
}

// LinkPath returns the path of one link.
func LinkPath(projectID, linkID string) string {
	return LinksPath(projectID) + "/" + url.PathEscape(linkID)
}
