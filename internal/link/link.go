// Package link implements the topology link state machine.
//
// A Link mirrors a link held by the remote controller. Every remote operation
// follows the same pattern: check the transition under the lock, send the
// request, and apply the local mutation only when the completion confirms it.
// Completions that arrive after the link moved to a terminal or conflicting
// state are discarded.
package link

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rmacdonaldsmith/topolink/internal/idalloc"
	"github.com/rmacdonaldsmith/topolink/pkg/controller"
	linkpkg "github.com/rmacdonaldsmith/topolink/pkg/link"
)

// Deps are the collaborators shared by all links of a session.
type Deps struct {
	// Controller sends remote requests; required unless every link is
	// created with WithRemoteID and deleted with skipRemote
	Controller linkpkg.Controller

	// Notifier receives lifecycle events; nil drops them
	Notifier linkpkg.Notifier

	// IDs allocates local identifiers; nil uses idalloc.Default
	IDs linkpkg.IDAllocator

	// Logger receives lifecycle logs; nil discards them
	Logger *slog.Logger
}

// Option configures New.
type Option func(*options)

type options struct {
	remoteID string
}

// WithRemoteID reattaches to a link that already exists on the controller.
// The link is finalized synchronously and no create request is sent.
func WithRemoteID(remoteID string) Option {
	return func(o *options) {
		o.remoteID = remoteID
	}
}

// Link is a connection between two (node, port) endpoints.
// It is safe for concurrent use.
type Link struct {
	id         int
	srcNode    linkpkg.Node
	srcPort    linkpkg.Port
	dstNode    linkpkg.Node
	dstPort    linkpkg.Port
	controller linkpkg.Controller
	notifier   linkpkg.Notifier
	logger     *slog.Logger

	mu              sync.Mutex
	remoteID        string
	state           linkpkg.State
	capture         linkpkg.CaptureState
	captureFilePath string

	// remote delete requested while the create request was outstanding
	deferredDelete    bool
	deferredDeleteCtx context.Context
}

// New creates a link between (srcNode, srcPort) and (dstNode, dstPort).
//
// The link registers with both nodes immediately. Unless WithRemoteID is
// given it then sends the create request and returns; the created event fires
// once the controller confirms. If the request fails the link stays registered
// in StateFailed; DeleteLink(ctx, false) then releases it locally.
func New(ctx context.Context, deps Deps, srcNode linkpkg.Node, srcPort linkpkg.Port, dstNode linkpkg.Node, dstPort linkpkg.Port, opts ...Option) (*Link, error) {
	if srcNode == nil || srcPort == nil || dstNode == nil || dstPort == nil {
		return nil, ErrNilEndpoint
	}
	if srcNode.Project() == nil {
		return nil, ErrNoProject
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.remoteID == "" && deps.Controller == nil {
		return nil, ErrNoController
	}

	ids := deps.IDs
	if ids == nil {
		ids = idalloc.Default
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	l := &Link{
		id:         ids.Next(),
		srcNode:    srcNode,
		srcPort:    srcPort,
		dstNode:    dstNode,
		dstPort:    dstPort,
		controller: deps.Controller,
		notifier:   deps.Notifier,
		state:      linkpkg.StatePending,
	}
	l.logger = logger.With("component", "link", "link_id", l.id)

	l.logger.Info("adding link",
		"source_node", srcNode.Name(), "source_port", srcPort.Name(),
		"destination_node", dstNode.Name(), "destination_port", dstPort.Name())

	l.srcNode.AddLink(l)
	l.dstNode.AddLink(l)

	if o.remoteID != "" {
		l.finalizeCreate(o.remoteID)
		return l, nil
	}

	body := controller.CreateLinkRequest{
		Nodes: []controller.LinkEndpoint{
			{NodeID: srcNode.NodeID(), AdapterNumber: srcPort.AdapterNumber(), PortNumber: srcPort.PortNumber()},
			{NodeID: dstNode.NodeID(), AdapterNumber: dstPort.AdapterNumber(), PortNumber: dstPort.PortNumber()},
		},
	}
	l.controller.Post(ctx, controller.LinksPath(l.Project().ID()), body, l.onCreated)
	return l, nil
}

// onCreated handles the completion of the create request.
func (l *Link) onCreated(result json.RawMessage, err error) {
	var resp controller.CreateLinkResponse
	if err == nil {
		if decodeErr := json.Unmarshal(result, &resp); decodeErr != nil {
			err = fmt.Errorf("decode create response: %w", decodeErr)
		} else if resp.LinkID == "" {
			err = fmt.Errorf("controller returned no link_id")
		}
	}

	if err == nil {
		l.finalizeCreate(string(resp.LinkID))
		return
	}

	l.mu.Lock()
	if l.state != linkpkg.StatePending {
		state := l.state
		l.mu.Unlock()
		l.logger.Warn("discarding create failure", "state", state.String(), "error", err)
		return
	}
	l.state = linkpkg.StateFailed
	release := l.takeDeferredDelete() != nil
	if release {
		l.state = linkpkg.StateDeleted
	}
	l.mu.Unlock()

	l.logger.Error("error while creating link", "error", err)
	l.emit(linkpkg.Event{Kind: linkpkg.EventErrored, LinkID: l.id, Op: "create", Err: err})

	if release {
		// nothing exists remotely, so the requested deletion completes locally
		l.releaseEndpoints()
	}
}

// finalizeCreate records the remote id, wires both ports and emits created.
func (l *Link) finalizeCreate(remoteID string) {
	l.mu.Lock()
	if l.state != linkpkg.StatePending {
		state := l.state
		l.mu.Unlock()
		l.logger.Warn("discarding create confirmation", "state", state.String(), "remote_id", remoteID)
		return
	}
	l.remoteID = remoteID
	l.state = linkpkg.StateActive
	deleteCtx := l.takeDeferredDelete()
	l.mu.Unlock()

	l.srcPort.SetLinkID(l.id)
	l.srcPort.SetDestinationNode(l.dstNode)
	l.srcPort.SetDestinationPort(l.dstPort)
	l.dstPort.SetLinkID(l.id)
	l.dstPort.SetDestinationNode(l.srcNode)
	l.dstPort.SetDestinationPort(l.srcPort)

	l.logger.Debug("link created", "remote_id", remoteID)
	l.emit(linkpkg.Event{Kind: linkpkg.EventCreated, LinkID: l.id})

	if deleteCtx != nil {
		if err := l.DeleteLink(deleteCtx, false); err != nil {
			l.logger.Warn("deferred delete rejected", "error", err)
		}
	}
}

// takeDeferredDelete clears and returns the context of a deferred remote
// delete, or nil if none was requested. Callers hold l.mu.
func (l *Link) takeDeferredDelete() context.Context {
	if !l.deferredDelete {
		return nil
	}
	ctx := l.deferredDeleteCtx
	l.deferredDelete = false
	l.deferredDeleteCtx = nil
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

// DeleteLink deletes the link.
//
// With skipRemote the deletion is finalized immediately and no request is
// sent. Otherwise a delete request is sent and the endpoints are released once
// the controller confirms; on failure the link stays active. A remote delete
// requested while the create request is outstanding is sent as soon as the
// create is confirmed; it keeps ctx's values but not its cancellation, since
// the caller has usually returned by then. A link whose creation failed has
// nothing to delete remotely and is released immediately.
func (l *Link) DeleteLink(ctx context.Context, skipRemote bool) error {
	l.mu.Lock()
	switch l.state {
	case linkpkg.StateDeleted:
		l.mu.Unlock()
		return ErrDeleted
	case linkpkg.StateDeleting:
		l.mu.Unlock()
		return ErrDeleteInProgress
	}

	l.logger.Info("deleting link",
		"source_node", l.srcNode.Name(), "source_port", l.srcPort.Name(),
		"destination_node", l.dstNode.Name(), "destination_port", l.dstPort.Name(),
		"skip_remote", skipRemote)

	if skipRemote || l.state == linkpkg.StateFailed {
		l.state = linkpkg.StateDeleted
		l.deferredDelete = false
		l.deferredDeleteCtx = nil
		l.mu.Unlock()
		l.releaseEndpoints()
		return nil
	}

	if l.state == linkpkg.StatePending {
		if l.deferredDelete {
			l.mu.Unlock()
			return ErrDeleteInProgress
		}
		l.deferredDelete = true
		l.deferredDeleteCtx = context.WithoutCancel(ctx)
		l.mu.Unlock()
		l.logger.Debug("delete deferred until creation is confirmed")
		return nil
	}

	if l.controller == nil {
		l.mu.Unlock()
		return ErrNoController
	}
	l.state = linkpkg.StateDeleting
	remoteID := l.remoteID
	l.mu.Unlock()

	l.controller.Delete(ctx, controller.LinkPath(l.Project().ID(), remoteID), l.onDeleted)
	return nil
}

// onDeleted handles the completion of the delete request.
func (l *Link) onDeleted(_ json.RawMessage, err error) {
	l.mu.Lock()
	if l.state != linkpkg.StateDeleting {
		state := l.state
		l.mu.Unlock()
		l.logger.Warn("discarding delete completion", "state", state.String(), "error", err)
		return
	}
	if err != nil {
		l.state = linkpkg.StateActive
		l.mu.Unlock()
		l.logger.Error("error while deleting link", "error", err)
		l.emit(linkpkg.Event{Kind: linkpkg.EventErrored, LinkID: l.id, Op: "delete", Err: err})
		return
	}
	l.state = linkpkg.StateDeleted
	l.mu.Unlock()

	l.releaseEndpoints()
}

// releaseEndpoints frees both ports, unregisters from both nodes, announces
// the node updates and emits deleted.
func (l *Link) releaseEndpoints() {
	l.srcPort.SetFree()
	l.srcNode.DeleteLink(l)
	l.srcNode.Updated()
	l.dstPort.SetFree()
	l.dstNode.DeleteLink(l)
	l.dstNode.Updated()

	l.logger.Debug("link deleted")
	l.emit(linkpkg.Event{Kind: linkpkg.EventDeleted, LinkID: l.id})
}

// StartCapture asks the controller to start a packet capture on the link.
// capturing becomes true once the controller returns the capture file path.
func (l *Link) StartCapture(ctx context.Context, dataLinkType linkpkg.DataLinkType, captureFileName string) error {
	l.mu.Lock()
	if l.state != linkpkg.StateActive {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("start capture: %w (state %s)", ErrNotActive, state)
	}
	if l.capture != linkpkg.CaptureIdle {
		l.mu.Unlock()
		return ErrCaptureInProgress
	}
	if l.controller == nil {
		l.mu.Unlock()
		return ErrNoController
	}
	l.capture = linkpkg.CaptureStarting
	remoteID := l.remoteID
	l.mu.Unlock()

	body := controller.StartCaptureRequest{
		CaptureFileName: captureFileName,
		DataLinkType:    string(dataLinkType),
	}
	l.controller.Post(ctx, controller.LinkPath(l.Project().ID(), remoteID)+"/start_capture", body, l.onCaptureStarted)
	return nil
}

func (l *Link) onCaptureStarted(result json.RawMessage, err error) {
	var resp controller.StartCaptureResponse
	if err == nil {
		if decodeErr := json.Unmarshal(result, &resp); decodeErr != nil {
			err = fmt.Errorf("decode start_capture response: %w", decodeErr)
		} else if resp.CaptureFilePath == "" {
			err = fmt.Errorf("controller returned no capture_file_path")
		}
	}

	l.mu.Lock()
	if l.capture != linkpkg.CaptureStarting || l.state == linkpkg.StateDeleted {
		capture, state := l.capture, l.state
		l.mu.Unlock()
		l.logger.Warn("discarding start capture completion",
			"state", state.String(), "capture", capture.String(), "error", err)
		return
	}
	if err != nil {
		l.capture = linkpkg.CaptureIdle
		l.mu.Unlock()
		l.logger.Error("error while starting capture on link", "error", err)
		l.emit(linkpkg.Event{Kind: linkpkg.EventErrored, LinkID: l.id, Op: "start_capture", Err: err})
		return
	}
	l.capture = linkpkg.CaptureRunning
	l.captureFilePath = resp.CaptureFilePath
	l.mu.Unlock()

	l.logger.Info("capture started", "capture_file_path", resp.CaptureFilePath)
	l.emit(linkpkg.Event{Kind: linkpkg.EventUpdated, LinkID: l.id})
}

// StopCapture asks the controller to stop the running capture.
func (l *Link) StopCapture(ctx context.Context) error {
	l.mu.Lock()
	if l.state != linkpkg.StateActive {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("stop capture: %w (state %s)", ErrNotActive, state)
	}
	switch l.capture {
	case linkpkg.CaptureIdle:
		l.mu.Unlock()
		return ErrNotCapturing
	case linkpkg.CaptureStarting, linkpkg.CaptureStopping:
		l.mu.Unlock()
		return ErrCaptureInProgress
	}
	if l.controller == nil {
		l.mu.Unlock()
		return ErrNoController
	}
	l.capture = linkpkg.CaptureStopping
	remoteID := l.remoteID
	l.mu.Unlock()

	l.controller.Post(ctx, controller.LinkPath(l.Project().ID(), remoteID)+"/stop_capture", nil, l.onCaptureStopped)
	return nil
}

func (l *Link) onCaptureStopped(_ json.RawMessage, err error) {
	l.mu.Lock()
	if l.capture != linkpkg.CaptureStopping || l.state == linkpkg.StateDeleted {
		capture, state := l.capture, l.state
		l.mu.Unlock()
		l.logger.Warn("discarding stop capture completion",
			"state", state.String(), "capture", capture.String(), "error", err)
		return
	}
	if err != nil {
		l.capture = linkpkg.CaptureRunning
		l.mu.Unlock()
		l.logger.Error("error while stopping capture on link", "error", err)
		l.emit(linkpkg.Event{Kind: linkpkg.EventErrored, LinkID: l.id, Op: "stop_capture", Err: err})
		return
	}
	l.capture = linkpkg.CaptureIdle
	l.captureFilePath = ""
	l.mu.Unlock()

	l.logger.Info("capture stopped")
	l.emit(linkpkg.Event{Kind: linkpkg.EventUpdated, LinkID: l.id})
}

// Get reads a sub-resource of the link from the controller:
// GET /projects/{project_id}/links/{link_id}{subpath}. cb runs on the
// controller's dispatcher.
func (l *Link) Get(ctx context.Context, subpath string, cb linkpkg.Callback) error {
	l.mu.Lock()
	remoteID := l.remoteID
	l.mu.Unlock()

	if remoteID == "" {
		return fmt.Errorf("get %q: %w", subpath, ErrNotActive)
	}
	if l.controller == nil {
		return ErrNoController
	}
	l.controller.Get(ctx, controller.LinkPath(l.Project().ID(), remoteID)+subpath, cb)
	return nil
}

func (l *Link) emit(ev linkpkg.Event) {
	if l.notifier != nil {
		l.notifier.Publish(ev)
	}
}

// ID returns the local link identifier.
func (l *Link) ID() int { return l.id }

// RemoteID returns the controller link identifier, empty until confirmed.
func (l *Link) RemoteID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteID
}

// State returns the lifecycle state.
func (l *Link) State() linkpkg.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CaptureState returns the capture sub-state.
func (l *Link) CaptureState() linkpkg.CaptureState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capture
}

// Capturing reports whether a confirmed capture is running. It stays true
// while a stop request is outstanding.
func (l *Link) Capturing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capture == linkpkg.CaptureRunning || l.capture == linkpkg.CaptureStopping
}

// CaptureFilePath returns the controller-side capture file, empty when not capturing.
func (l *Link) CaptureFilePath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.captureFilePath
}

func (l *Link) SourceNode() linkpkg.Node      { return l.srcNode }
func (l *Link) SourcePort() linkpkg.Port      { return l.srcPort }
func (l *Link) DestinationNode() linkpkg.Node { return l.dstNode }
func (l *Link) DestinationPort() linkpkg.Port { return l.dstPort }

// Project returns the project of the source node.
func (l *Link) Project() linkpkg.Project {
	return l.srcNode.Project()
}

// GetNodePort returns the destination port when node is the destination node
// and the source port otherwise. node must be one of the link's endpoints; any
// other node also yields the source port.
func (l *Link) GetNodePort(node linkpkg.Node) linkpkg.Port {
	if l.dstNode == node {
		return l.dstPort
	}
	return l.srcPort
}

func (l *Link) String() string {
	return fmt.Sprintf("Link from %s port %s to %s port %s",
		l.srcNode.Name(), l.srcPort.Name(), l.dstNode.Name(), l.dstPort.Name())
}

// CaptureFileName derives a capture file name from the endpoint names, keeping
// only ASCII letters, digits, underscores and hyphens.
func (l *Link) CaptureFileName() string {
	name := fmt.Sprintf("%s_%s_to_%s_%s",
		l.srcNode.Name(), l.srcPort.Name(), l.dstNode.Name(), l.dstPort.Name())
	return sanitizeFileName(name)
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == '-':
			return r
		default:
			return -1
		}
	}, s)
}

// Dump returns a snapshot for persistence and debugging.
func (l *Link) Dump() linkpkg.Dump {
	return linkpkg.Dump{
		ID:                l.id,
		Description:       l.String(),
		SourceNodeID:      l.srcNode.ID(),
		SourcePortID:      l.srcPort.ID(),
		DestinationNodeID: l.dstNode.ID(),
		DestinationPortID: l.dstPort.ID(),
	}
}

var _ linkpkg.Link = (*Link)(nil)
