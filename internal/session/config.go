package session

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/topolink/pkg/controller"
)

// Transports understood by Config.Transport.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

var (
	// ErrEmptyProjectID is returned when the project ID is empty
	ErrEmptyProjectID = errors.New("project ID cannot be empty")
	// ErrInvalidTransport is returned for a transport other than http or grpc
	ErrInvalidTransport = errors.New("transport must be \"http\" or \"grpc\"")
	// ErrEmptyServerURL is returned when the HTTP transport has no server URL
	ErrEmptyServerURL = errors.New("controller server URL cannot be empty")
	// ErrEmptyGRPCAddress is returned when the gRPC transport has no address
	ErrEmptyGRPCAddress = errors.New("gRPC address cannot be empty")
)

// Config represents configuration for a Session
type Config struct {
	// Controller configures the HTTP client; its Token and MaxInFlight also
	// apply to the gRPC transport
	Controller controller.Config `yaml:"controller"`

	// Transport selects how requests reach the controller: "http" or "grpc"
	Transport string `yaml:"transport"`

	// GRPCAddress is the controller's gRPC endpoint (e.g. "localhost:3081")
	GRPCAddress string `yaml:"grpc_address"`

	// ProjectID is the controller project the session's links belong to
	ProjectID string `yaml:"project_id"`

	// ProjectName is a display name; defaults to ProjectID
	ProjectName string `yaml:"project_name"`

	// Log is a log spec such as "info,link=debug"
	Log string `yaml:"log"`
}

// NewConfig creates a new HTTP session configuration with safe defaults
func NewConfig(serverURL, projectID string) *Config {
	c := &Config{
		Controller: controller.Config{ServerURL: serverURL},
		ProjectID:  projectID,
	}
	c.SetDefaults()
	return c
}

// LoadConfig reads a YAML configuration file and applies defaults. Unknown
// keys are rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var c Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	c.SetDefaults()
	return &c, nil
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Transport == "" {
		c.Transport = TransportHTTP
	}
	if c.ProjectName == "" {
		c.ProjectName = c.ProjectID
	}
	c.Controller.SetDefaults()
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return ErrEmptyProjectID
	}

	switch c.Transport {
	case TransportHTTP:
		if c.Controller.ServerURL == "" {
			return ErrEmptyServerURL
		}
	case TransportGRPC:
		if c.GRPCAddress == "" {
			return ErrEmptyGRPCAddress
		}
	default:
		return fmt.Errorf("%w, got %q", ErrInvalidTransport, c.Transport)
	}
	return nil
}
