package controllersim

// Request and response types of the controller API live in pkg/controller;
// these are the simulator-only additions.

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy bool `json:"healthy"`
	Links   int  `json:"links"`
}
