// Package session wires together everything a set of links needs: the
// cooperative loop that runs controller completions, the async controller
// client, the notification bus, the event journal and the id allocator.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmacdonaldsmith/topolink/internal/dispatch"
	"github.com/rmacdonaldsmith/topolink/internal/idalloc"
	"github.com/rmacdonaldsmith/topolink/internal/journal"
	"github.com/rmacdonaldsmith/topolink/internal/link"
	"github.com/rmacdonaldsmith/topolink/internal/notify"
	"github.com/rmacdonaldsmith/topolink/internal/topology"
	"github.com/rmacdonaldsmith/topolink/pkg/controller"
	linkpkg "github.com/rmacdonaldsmith/topolink/pkg/link"
)

var (
	// ErrNotStarted is returned when links are requested before Start
	ErrNotStarted = errors.New("session not started")
	// ErrClosed is returned by operations on a closed session
	ErrClosed = errors.New("session closed")
)

// Option configures New.
type Option func(*Session)

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithIDAllocator replaces the process-wide link id allocator, mainly so
// tests get predictable ids.
func WithIDAllocator(ids linkpkg.IDAllocator) Option {
	return func(s *Session) { s.ids = ids }
}

// WithTransport replaces the transport built from the config. The session
// does not close it.
func WithTransport(t controller.Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithRegisterer registers the controller request metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Session) { s.registerer = reg }
}

// HealthStatus represents the health of a session
type HealthStatus struct {
	Healthy             bool
	ControllerReachable bool
	ControllerVersion   string
	Links               int
	JournalEntries      int
	Message             string
}

// Session owns the links of one controller project.
type Session struct {
	mu     sync.RWMutex
	config *Config
	logger *slog.Logger // handed to every component
	log    *slog.Logger // the session's own records

	loop       *dispatch.Loop
	bus        *notify.Bus
	journal    *journal.Journal
	ids        linkpkg.IDAllocator
	project    *topology.Project
	registerer prometheus.Registerer

	transport controller.Transport
	closer    io.Closer // gRPC connection, when the session dialed one
	async     *controller.Async

	links   map[int]*link.Link
	started bool
	closed  bool
}

// New creates a session. It validates config but does not contact the
// controller; call Start for that.
func New(config *Config, opts ...Option) (*Session, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Session{
		config:  config,
		journal: journal.New(),
		ids:     idalloc.Default,
		project: topology.NewProject(config.ProjectID, config.ProjectName),
		links:   make(map[int]*link.Link),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.log = s.logger.With("component", "session")

	s.loop = dispatch.NewLoop(s.logger)
	s.bus = notify.NewBus(s.logger)

	if _, err := s.bus.Subscribe(s.journal); err != nil {
		return nil, err
	}
	if _, err := s.bus.SubscribeFunc(s.forgetDeleted); err != nil {
		return nil, err
	}
	return s, nil
}

// Start connects to the controller and starts the completion loop. It
// authenticates first when a user is configured and no token is set.
// Start is idempotent.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	if s.transport == nil {
		transport, closer, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.transport, s.closer = transport, closer
	}

	metrics, err := controller.NewMetrics(s.registerer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	async, err := controller.NewAsync(s.transport, s.loop, s.config.Controller.MaxInFlight, metrics, s.logger)
	if err != nil {
		return err
	}
	s.async = async

	s.loop.Start(context.WithoutCancel(ctx))
	s.started = true

	s.log.Info("session started",
		"project", s.config.ProjectID,
		"transport", s.config.Transport)
	return nil
}

// dial builds the configured transport. Callers hold s.mu.
func (s *Session) dial(ctx context.Context) (controller.Transport, io.Closer, error) {
	cfg := s.config.Controller

	var httpClient *controller.Client
	if cfg.ServerURL != "" {
		client, err := controller.NewClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Token == "" && cfg.User != "" {
			if err := client.Authenticate(ctx); err != nil {
				return nil, nil, err
			}
		}
		httpClient = client
	}

	if s.config.Transport == TransportHTTP {
		return httpClient, nil, nil
	}

	token := cfg.Token
	if httpClient != nil {
		token = httpClient.Token()
	}
	transport, conn, err := controller.DialGRPC(s.config.GRPCAddress, token)
	if err != nil {
		return nil, nil, err
	}
	return transport, conn, nil
}

// NewNode creates a node in the session's project.
func (s *Session) NewNode(nodeID, name string) *topology.Node {
	return topology.NewNode(s.project, nodeID, name)
}

// NewLink creates a link and sends the create request.
func (s *Session) NewLink(ctx context.Context, srcNode linkpkg.Node, srcPort linkpkg.Port, dstNode linkpkg.Node, dstPort linkpkg.Port) (*link.Link, error) {
	return s.addLink(ctx, srcNode, srcPort, dstNode, dstPort)
}

// AttachLink recreates a link that already exists on the controller. No
// request is sent.
func (s *Session) AttachLink(remoteID string, srcNode linkpkg.Node, srcPort linkpkg.Port, dstNode linkpkg.Node, dstPort linkpkg.Port) (*link.Link, error) {
	if remoteID == "" {
		return nil, fmt.Errorf("remote id cannot be empty")
	}
	return s.addLink(context.Background(), srcNode, srcPort, dstNode, dstPort, link.WithRemoteID(remoteID))
}

func (s *Session) addLink(ctx context.Context, srcNode linkpkg.Node, srcPort linkpkg.Port, dstNode linkpkg.Node, dstPort linkpkg.Port, opts ...link.Option) (*link.Link, error) {
	s.mu.RLock()
	closed, started, async := s.closed, s.started, s.async
	s.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !started {
		return nil, ErrNotStarted
	}

	deps := link.Deps{
		Controller: async,
		Notifier:   s.bus,
		IDs:        s.ids,
		Logger:     s.logger,
	}
	l, err := link.New(ctx, deps, srcNode, srcPort, dstNode, dstPort, opts...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.links[l.ID()] = l
	s.mu.Unlock()
	return l, nil
}

// forgetDeleted drops deleted links from the session's index.
func (s *Session) forgetDeleted(ev linkpkg.Event) error {
	if ev.Kind != linkpkg.EventDeleted {
		return nil
	}
	s.mu.Lock()
	delete(s.links, ev.LinkID)
	s.mu.Unlock()
	return nil
}

// Link returns a live link by local id.
func (s *Session) Link(id int) (*link.Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	return l, ok
}

// Links returns the live links ordered by local id.
func (s *Session) Links() []*link.Link {
	s.mu.RLock()
	out := make([]*link.Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Project returns the session's project.
func (s *Session) Project() *topology.Project { return s.project }

// Bus returns the notification bus links publish to.
func (s *Session) Bus() *notify.Bus { return s.bus }

// Journal returns the journal recording every link event.
func (s *Session) Journal() *journal.Journal { return s.journal }

// IDs returns the allocator that numbers the session's links.
func (s *Session) IDs() linkpkg.IDAllocator { return s.ids }

// Post runs fn on the completion loop, serialized with link callbacks.
func (s *Session) Post(fn func()) bool { return s.loop.Post(fn) }

// Health reports whether the session is open and the controller answers.
func (s *Session) Health(ctx context.Context) (HealthStatus, error) {
	s.mu.RLock()
	closed, started, transport := s.closed, s.started, s.transport
	links := len(s.links)
	s.mu.RUnlock()

	status := HealthStatus{
		Links:          links,
		JournalEntries: s.journal.Len(),
	}
	switch {
	case closed:
		status.Message = "session closed"
		return status, nil
	case !started:
		status.Message = "session not started"
		return status, nil
	}

	raw, err := transport.Do(ctx, http.MethodGet, "/version", nil)
	if err != nil {
		status.Message = "controller unreachable: " + err.Error()
		return status, nil
	}

	var v controller.VersionResponse
	if err := json.Unmarshal(raw, &v); err != nil {
		status.Message = "unexpected version response: " + err.Error()
		return status, nil
	}

	status.Healthy = true
	status.ControllerReachable = true
	status.ControllerVersion = v.Version
	status.Message = "ok"
	return status, nil
}

// Close waits for outstanding controller requests, drains their completions
// and releases every component. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	async, closer := s.async, s.closer
	s.mu.Unlock()

	var errs []error
	if async != nil {
		errs = append(errs, async.Close())
	}
	errs = append(errs, s.loop.Close())
	errs = append(errs, s.bus.Close())
	errs = append(errs, s.journal.Close())
	if closer != nil {
		errs = append(errs, closer.Close())
	}

	s.log.Info("session closed", "project", s.config.ProjectID)
	return errors.Join(errs...)
}
