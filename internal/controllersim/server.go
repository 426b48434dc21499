// Package controllersim is an in-process topology controller. It serves the
// link API over HTTP under /v2 with JWT authentication and exposes the same
// routes as a gRPC service. Tests and the controllersim daemon use it in place
// of a real controller.
package controllersim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/rmacdonaldsmith/topolink/pkg/controller"
)

const apiPrefix = "/v2"

// Config holds server configuration
type Config struct {
	// Addr is the HTTP listen address (e.g. ":3080")
	Addr string

	// SecretKey signs bearer tokens
	SecretKey string

	// Users maps user names to passwords; defaults to admin/admin
	Users map[string]string

	// NoAuth accepts unauthenticated requests
	NoAuth bool

	// TokenTTL is the lifetime of issued tokens (default 24h)
	TokenTTL time.Duration

	// CaptureDir prefixes reported capture file paths
	CaptureDir string

	// Registry, when set, receives the simulator metrics and is served on /metrics
	Registry *prometheus.Registry

	Logger *slog.Logger
}

// Server represents the simulator
type Server struct {
	store      *Store
	router     *Router
	jwtAuth    *JWTAuth
	middleware *Middleware
	server     *http.Server
	grpcServer *grpc.Server
	requests   *prometheus.CounterVec
	logger     *slog.Logger
}

// NewServer creates a simulator with an empty store
func NewServer(config Config) (*Server, error) {
	secretKey := config.SecretKey
	if secretKey == "" {
		secretKey = "topolink-sim-secret-key"
	}
	users := config.Users
	if len(users) == 0 {
		users = map[string]string{"admin": "admin"}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "controllersim")

	jwtAuth := NewJWTAuth(secretKey, users, config.TokenTTL)
	store := NewStore(config.CaptureDir)

	s := &Server{
		store:      store,
		router:     NewRouter(store),
		jwtAuth:    jwtAuth,
		middleware: NewMiddleware(jwtAuth, config.NoAuth, logger),
		logger:     logger,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topolink",
			Subsystem: "sim",
			Name:      "requests_total",
			Help:      "Simulator requests by transport and response status.",
		}, []string{"transport", "status"}),
	}
	if config.Registry != nil {
		if err := config.Registry.Register(s.requests); err != nil {
			return nil, err
		}
	}

	s.server = &http.Server{
		Addr:           config.Addr,
		Handler:        s.setupRoutes(config.Registry),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.middleware.UnaryAuth))
	controller.RegisterRouter(s.grpcServer, countingRouter{s})

	return s, nil
}

// Store returns the link store, mainly for fault injection in tests
func (s *Server) Store() *Store { return s.store }

// Auth returns the token issuer
func (s *Server) Auth() *JWTAuth { return s.jwtAuth }

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.server.Handler }

// GRPCServer returns the gRPC server carrying the controller service
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }

// Start serves HTTP on the configured address until Stop
func (s *Server) Start() error {
	s.logger.Info("serving HTTP", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// ServeGRPC serves the gRPC service on lis until Stop
func (s *Server) ServeGRPC(lis net.Listener) error {
	s.logger.Info("serving gRPC", "addr", lis.Addr().String())
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops both servers
func (s *Server) Stop(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	err := s.server.Shutdown(ctx)

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	return err
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.ContentType(handler)))
	}

	// no auth
	mux.Handle(apiPrefix+"/auth/login", withMiddleware(s.handleLogin))
	mux.Handle(apiPrefix+"/version", withMiddleware(s.handleAPI))
	mux.Handle(apiPrefix+"/health", withMiddleware(s.handleHealth))

	mux.Handle(apiPrefix+"/", withMiddleware(s.middleware.AuthRequired(s.handleAPI)))

	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	mux.Handle("/", withMiddleware(s.handleRoot))
	return mux
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req controller.AuthRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	token, expiresAt, err := s.jwtAuth.Login(req.Username, req.Password)
	if err != nil {
		s.logger.Warn("login rejected", "user", req.Username)
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	writeJSON(w, controller.AuthResponse{Token: token, User: req.Username, ExpiresAt: expiresAt}, http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, HealthResponse{Healthy: true, Links: s.store.Len()}, http.StatusOK)
}

// handleAPI forwards a request under the API prefix to the router
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.EscapedPath(), apiPrefix)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	result, err := s.router.Route(r.Context(), r.Method, path, body)
	if err != nil {
		code := statusOf(err)
		s.requests.WithLabelValues("http", strconv.Itoa(code)).Inc()
		writeError(w, messageOf(err), code)
		return
	}

	code := http.StatusOK
	switch {
	case result == nil:
		code = http.StatusNoContent
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/links"):
		code = http.StatusCreated
	}
	s.requests.WithLabelValues("http", strconv.Itoa(code)).Inc()

	if code == http.StatusNoContent {
		w.WriteHeader(code)
		return
	}
	w.WriteHeader(code)
	w.Write(result)
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]any{
		"service": "topolink controller simulator",
		"version": Version,
		"endpoints": map[string]string{
			"login":         "POST " + apiPrefix + "/auth/login",
			"version":       "GET " + apiPrefix + "/version",
			"health":        "GET " + apiPrefix + "/health",
			"listLinks":     "GET " + apiPrefix + "/projects/{project_id}/links",
			"createLink":    "POST " + apiPrefix + "/projects/{project_id}/links",
			"getLink":       "GET " + apiPrefix + "/projects/{project_id}/links/{link_id}",
			"deleteLink":    "DELETE " + apiPrefix + "/projects/{project_id}/links/{link_id}",
			"startCapture":  "POST " + apiPrefix + "/projects/{project_id}/links/{link_id}/start_capture",
			"stopCapture":   "POST " + apiPrefix + "/projects/{project_id}/links/{link_id}/stop_capture",
			"filterCatalog": "GET " + apiPrefix + "/projects/{project_id}/links/{link_id}/available_filters",
		},
		"authentication": "Bearer JWT token required for project endpoints",
	}
	writeJSON(w, info, http.StatusOK)
}

// countingRouter records gRPC outcomes in the request counter
type countingRouter struct {
	s *Server
}

func (c countingRouter) Route(ctx context.Context, method, path string, body json.RawMessage) (json.RawMessage, error) {
	result, err := c.s.router.Route(ctx, method, path, body)
	code := http.StatusOK
	if err != nil {
		code = statusOf(err)
	}
	c.s.requests.WithLabelValues("grpc", strconv.Itoa(code)).Inc()
	return result, err
}

func statusOf(err error) int {
	var apiErr *controller.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}

func messageOf(err error) string {
	var apiErr *controller.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
