package link

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topolink/internal/idalloc"
	"github.com/rmacdonaldsmith/topolink/internal/notify"
	"github.com/rmacdonaldsmith/topolink/internal/topology"
	"github.com/rmacdonaldsmith/topolink/pkg/controller"
	linkpkg "github.com/rmacdonaldsmith/topolink/pkg/link"
)

// request is a controller call captured by fakeController
type request struct {
	ctx    context.Context
	method string
	path   string
	body   any
	cb     linkpkg.Callback
}

func (r request) succeed(t *testing.T, payload any) {
	t.Helper()
	if payload == nil {
		r.cb(nil, nil)
		return
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	r.cb(raw, nil)
}

func (r request) fail(message string) {
	r.cb(nil, &controller.APIError{Status: http.StatusInternalServerError, Message: message})
}

// fakeController records requests; tests complete them explicitly and in any order
type fakeController struct {
	mu       sync.Mutex
	requests []request
}

func (f *fakeController) Post(ctx context.Context, path string, body any, cb linkpkg.Callback) {
	f.record(request{ctx: ctx, method: http.MethodPost, path: path, body: body, cb: cb})
}

func (f *fakeController) Delete(ctx context.Context, path string, cb linkpkg.Callback) {
	f.record(request{ctx: ctx, method: http.MethodDelete, path: path, cb: cb})
}

func (f *fakeController) Get(ctx context.Context, path string, cb linkpkg.Callback) {
	f.record(request{ctx: ctx, method: http.MethodGet, path: path, cb: cb})
}

func (f *fakeController) record(r request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
}

func (f *fakeController) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeController) last(t *testing.T) request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests, "no controller request recorded")
	return f.requests[len(f.requests)-1]
}

type fixture struct {
	project *topology.Project
	r1, r2  *topology.Node
	eth0    *topology.Port
	eth1    *topology.Port
	ctrl    *fakeController
	events  []linkpkg.Event
	deps    Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		project: topology.NewProject("p-1", "lab"),
		ctrl:    &fakeController{},
	}
	f.r1 = topology.NewNode(f.project, "node-r1", "R1")
	f.r2 = topology.NewNode(f.project, "node-r2", "R2")
	f.eth0 = f.r1.AddPort("eth0", 0, 0)
	f.eth1 = f.r2.AddPort("eth1", 0, 1)

	bus := notify.NewBus(nil)
	t.Cleanup(func() { bus.Close() })
	_, err := bus.SubscribeFunc(func(ev linkpkg.Event) error {
		f.events = append(f.events, ev)
		return nil
	})
	require.NoError(t, err)

	f.deps = Deps{
		Controller: f.ctrl,
		Notifier:   bus,
		IDs:        idalloc.New(),
	}
	return f
}

func (f *fixture) newLink(t *testing.T, opts ...Option) *Link {
	t.Helper()
	l, err := New(context.Background(), f.deps, f.r1, f.eth0, f.r2, f.eth1, opts...)
	require.NoError(t, err)
	return l
}

func (f *fixture) newActiveLink(t *testing.T) *Link {
	t.Helper()
	l := f.newLink(t)
	f.ctrl.last(t).succeed(t, map[string]any{"link_id": "remote-1"})
	require.Equal(t, linkpkg.StateActive, l.State())
	f.events = nil
	return l
}

func (f *fixture) kinds() []linkpkg.EventKind {
	out := make([]linkpkg.EventKind, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestNew_SendsCreateRequest(t *testing.T) {
	f := newFixture(t)

	l := f.newLink(t)

	assert.Equal(t, 1, l.ID())
	assert.Equal(t, linkpkg.StatePending, l.State())
	assert.Empty(t, l.RemoteID())

	req := f.ctrl.last(t)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/projects/p-1/links", req.path)

	body, ok := req.body.(controller.CreateLinkRequest)
	require.True(t, ok, "unexpected body type %T", req.body)
	require.Len(t, body.Nodes, 2)
	assert.Equal(t, controller.LinkEndpoint{NodeID: "node-r1", AdapterNumber: 0, PortNumber: 0}, body.Nodes[0])
	assert.Equal(t, controller.LinkEndpoint{NodeID: "node-r2", AdapterNumber: 0, PortNumber: 1}, body.Nodes[1])

	// registered before confirmation
	assert.True(t, f.r1.HasLink(l.ID()))
	assert.True(t, f.r2.HasLink(l.ID()))
	assert.Empty(t, f.events)
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := New(ctx, f.deps, nil, f.eth0, f.r2, f.eth1)
	assert.ErrorIs(t, err, ErrNilEndpoint)

	_, err = New(ctx, f.deps, f.r1, f.eth0, f.r2, nil)
	assert.ErrorIs(t, err, ErrNilEndpoint)

	orphan := topology.NewNode(nil, "node-x", "X")
	_, err = New(ctx, f.deps, orphan, orphan.AddPort("e0", 0, 0), f.r2, f.eth1)
	assert.ErrorIs(t, err, ErrNoProject)

	noCtrl := f.deps
	noCtrl.Controller = nil
	_, err = New(ctx, noCtrl, f.r1, f.eth0, f.r2, f.eth1)
	assert.ErrorIs(t, err, ErrNoController)

	// a reattached link needs no controller to exist
	l, err := New(ctx, noCtrl, f.r1, f.eth0, f.r2, f.eth1, WithRemoteID("existing"))
	require.NoError(t, err)
	assert.Equal(t, "existing", l.RemoteID())
}

func TestNew_IDsIncrease(t *testing.T) {
	f := newFixture(t)

	a := f.newLink(t)
	b := f.newLink(t)
	assert.Equal(t, 1, a.ID())
	assert.Equal(t, 2, b.ID())
}

func TestCreate_Success(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)

	f.ctrl.last(t).succeed(t, map[string]any{"link_id": 42})

	assert.Equal(t, "42", l.RemoteID())
	assert.Equal(t, linkpkg.StateActive, l.State())

	require.Len(t, f.events, 1)
	assert.Equal(t, linkpkg.EventCreated, f.events[0].Kind)
	assert.Equal(t, l.ID(), f.events[0].LinkID)

	assert.Equal(t, l.ID(), f.eth0.LinkID())
	assert.Equal(t, l.ID(), f.eth1.LinkID())
	assert.Same(t, f.r2, f.eth0.DestinationNode())
	assert.Same(t, f.eth1, f.eth0.DestinationPort())
	assert.Same(t, f.r1, f.eth1.DestinationNode())
	assert.Same(t, f.eth0, f.eth1.DestinationPort())
}

func TestCreate_WithRemoteIDFinalizesSynchronously(t *testing.T) {
	f := newFixture(t)

	l := f.newLink(t, WithRemoteID("abc"))

	assert.Equal(t, 0, f.ctrl.count())
	assert.Equal(t, "abc", l.RemoteID())
	assert.Equal(t, linkpkg.StateActive, l.State())
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventCreated}, f.kinds())
	assert.Same(t, f.eth1, f.eth0.DestinationPort())
}

func TestCreate_Failure(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)

	f.ctrl.last(t).fail("node not found")

	assert.Empty(t, l.RemoteID())
	assert.Equal(t, linkpkg.StateFailed, l.State())
	assert.True(t, f.r1.HasLink(l.ID()))
	assert.True(t, f.r2.HasLink(l.ID()))
	assert.True(t, f.eth0.IsFree())

	require.Len(t, f.events, 1)
	assert.Equal(t, linkpkg.EventErrored, f.events[0].Kind)
	assert.Equal(t, "create", f.events[0].Op)
	assert.True(t, controller.IsStatus(f.events[0].Err, http.StatusInternalServerError))
}

func TestCreate_MissingLinkIDIsFailure(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)

	f.ctrl.last(t).succeed(t, map[string]any{})

	assert.Equal(t, linkpkg.StateFailed, l.State())
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventErrored}, f.kinds())
}

func TestDelete_FailedLinkReleasesLocally(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)
	f.ctrl.last(t).fail("boom")
	f.events = nil

	require.NoError(t, l.DeleteLink(context.Background(), false))

	assert.Equal(t, 1, f.ctrl.count(), "no delete request for a link that was never created")
	assert.Equal(t, linkpkg.StateDeleted, l.State())
	assert.False(t, f.r1.HasLink(l.ID()))
	assert.False(t, f.r2.HasLink(l.ID()))
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventDeleted}, f.kinds())
}

func TestDelete_SkipRemote(t *testing.T) {
	f := newFixture(t)
	l := f.newActiveLink(t)
	requests := f.ctrl.count()

	var updated []string
	f.r1.OnUpdated(func(n *topology.Node) { updated = append(updated, n.Name()) })
	f.r2.OnUpdated(func(n *topology.Node) { updated = append(updated, n.Name()) })

	require.NoError(t, l.DeleteLink(context.Background(), true))

	assert.Equal(t, requests, f.ctrl.count())
	assert.Equal(t, linkpkg.StateDeleted, l.State())
	assert.True(t, f.eth0.IsFree())
	assert.True(t, f.eth1.IsFree())
	assert.False(t, f.r1.HasLink(l.ID()))
	assert.False(t, f.r2.HasLink(l.ID()))
	assert.Equal(t, []string{"R1", "R2"}, updated)

	require.Len(t, f.events, 1)
	assert.Equal(t, linkpkg.EventDeleted, f.events[0].Kind)
	assert.Equal(t, l.ID(), f.events[0].LinkID)
}

func TestDelete_Remote(t *testing.T) {
	f := newFixture(t)
	l := f.newActiveLink(t)

	require.NoError(t, l.DeleteLink(context.Background(), false))

	req := f.ctrl.last(t)
	assert.Equal(t, http.MethodDelete, req.method)
	assert.Equal(t, "/projects/p-1/links/remote-1", req.path)
	assert.Equal(t, linkpkg.StateDeleting, l.State())
	assert.True(t, f.r1.HasLink(l.ID()), "released only on confirmation")
	assert.Empty(t, f.events)

	req.succeed(t, nil)

	assert.Equal(t, linkpkg.StateDeleted, l.State())
	assert.False(t, f.r1.HasLink(l.ID()))
	assert.Equal(t, 1, f.r1.UpdateCount())
	assert.Equal(t, 1, f.r2.UpdateCount())
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventDeleted}, f.kinds())
}

func TestDelete_RemoteFailure(t *testing.T) {
	f := newFixture(t)
	l := f.newActiveLink(t)

	require.NoError(t, l.DeleteLink(context.Background(), false))
	f.ctrl.last(t).fail("locked")

	assert.Equal(t, linkpkg.StateActive, l.State())
	assert.True(t, f.r1.HasLink(l.ID()))
	assert.True(t, f.r2.HasLink(l.ID()))
	assert.Equal(t, l.ID(), f.eth0.LinkID())
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventErrored}, f.kinds())
	assert.Equal(t, "delete", f.events[0].Op)

	// retry is allowed
	require.NoError(t, l.DeleteLink(context.Background(), false))
	f.ctrl.last(t).succeed(t, nil)
	assert.Equal(t, linkpkg.StateDeleted, l.State())
}

func TestDelete_Guards(t *testing.T) {
	f := newFixture(t)
	l := f.newActiveLink(t)
	ctx := context.Background()

	require.NoError(t, l.DeleteLink(ctx, false))
	assert.ErrorIs(t, l.DeleteLink(ctx, false), ErrDeleteInProgress)
	assert.ErrorIs(t, l.DeleteLink(ctx, true), ErrDeleteInProgress)

	f.ctrl.last(t).succeed(t, nil)
	assert.ErrorIs(t, l.DeleteLink(ctx, false), ErrDeleted)
	assert.ErrorIs(t, l.DeleteLink(ctx, true), ErrDeleted)
}

func TestDelete_DeletedLinkIgnoresLateCreate(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)
	create := f.ctrl.last(t)

	require.NoError(t, l.DeleteLink(context.Background(), true))
	f.events = nil

	create.succeed(t, map[string]any{"link_id": "late"})

	assert.Equal(t, linkpkg.StateDeleted, l.State())
	assert.Empty(t, l.RemoteID())
	assert.True(t, f.eth0.IsFree())
	assert.True(t, f.eth1.IsFree())
	assert.Empty(t, f.events)
}

func TestDelete_DeferredUntilCreateConfirmed(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)
	create := f.ctrl.last(t)

	require.NoError(t, l.DeleteLink(context.Background(), false))
	assert.Equal(t, 1, f.ctrl.count(), "delete waits for the remote id")
	assert.ErrorIs(t, l.DeleteLink(context.Background(), false), ErrDeleteInProgress)

	create.succeed(t, map[string]any{"link_id": "r-9"})

	del := f.ctrl.last(t)
	assert.Equal(t, http.MethodDelete, del.method)
	assert.Equal(t, "/projects/p-1/links/r-9", del.path)
	assert.Equal(t, linkpkg.StateDeleting, l.State())

	del.succeed(t, nil)
	assert.Equal(t, linkpkg.StateDeleted, l.State())
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventCreated, linkpkg.EventDeleted}, f.kinds())
}

func TestDelete_DeferredOutlivesCallerContext(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)
	create := f.ctrl.last(t)

	type key struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "trace-1"))
	require.NoError(t, l.DeleteLink(ctx, false))
	cancel()

	create.succeed(t, map[string]any{"link_id": "r-9"})

	del := f.ctrl.last(t)
	require.Equal(t, http.MethodDelete, del.method)
	assert.NoError(t, del.ctx.Err())
	assert.Equal(t, "trace-1", del.ctx.Value(key{}))
}

func TestDelete_DeferredThenCreateFails(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)
	create := f.ctrl.last(t)

	require.NoError(t, l.DeleteLink(context.Background(), false))
	create.fail("no such node")

	assert.Equal(t, 1, f.ctrl.count())
	assert.Equal(t, linkpkg.StateDeleted, l.State())
	assert.False(t, f.r1.HasLink(l.ID()))
	assert.False(t, f.r2.HasLink(l.ID()))
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventErrored, linkpkg.EventDeleted}, f.kinds())
}

func TestCapture_StartAndStop(t *testing.T) {
	f := newFixture(t)
	l := f.newActiveLink(t)
	ctx := context.Background()

	require.NoError(t, l.StartCapture(ctx, linkpkg.DLTEthernet, "tcp.pcap"))

	req := f.ctrl.last(t)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/projects/p-1/links/remote-1/start_capture", req.path)
	assert.Equal(t, controller.StartCaptureRequest{CaptureFileName: "tcp.pcap", DataLinkType: "DLT_EN10MB"}, req.body)
	assert.False(t, l.Capturing(), "capturing only once confirmed")
	assert.Equal(t, linkpkg.CaptureStarting, l.CaptureState())

	req.succeed(t, map[string]any{"capture_file_path": "/tmp/tcp.pcap"})

	assert.True(t, l.Capturing())
	assert.Equal(t, "/tmp/tcp.pcap", l.CaptureFilePath())
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventUpdated}, f.kinds())

	require.NoError(t, l.StopCapture(ctx))
	stop := f.ctrl.last(t)
	assert.Equal(t, "/projects/p-1/links/remote-1/stop_capture", stop.path)
	assert.True(t, l.Capturing(), "still capturing until the stop is confirmed")

	stop.succeed(t, nil)

	assert.False(t, l.Capturing())
	assert.Empty(t, l.CaptureFilePath())
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventUpdated, linkpkg.EventUpdated}, f.kinds())
}

func TestCapture_StopFailureKeepsCapturing(t *testing.T) {
	f := newFixture(t)
	l := f.newActiveLink(t)
	ctx := context.Background()

	require.NoError(t, l.StartCapture(ctx, linkpkg.DLTEthernet, "tcp.pcap"))
	f.ctrl.last(t).succeed(t, map[string]any{"capture_file_path": "/tmp/tcp.pcap"})
	f.events = nil

	require.NoError(t, l.StopCapture(ctx))
	f.ctrl.last(t).fail("capture busy")

	assert.True(t, l.Capturing())
	assert.Equal(t, "/tmp/tcp.pcap", l.CaptureFilePath())
	assert.Equal(t, linkpkg.CaptureRunning, l.CaptureState())
	require.Len(t, f.events, 1)
	assert.Equal(t, linkpkg.EventErrored, f.events[0].Kind)
	assert.Equal(t, "stop_capture", f.events[0].Op)
}

func TestCapture_StartFailure(t *testing.T) {
	f := newFixture(t)
	l := f.newActiveLink(t)

	require.NoError(t, l.StartCapture(context.Background(), linkpkg.DLTPPPSerial, "x.pcap"))
	f.ctrl.last(t).fail("no space")

	assert.False(t, l.Capturing())
	assert.Empty(t, l.CaptureFilePath())
	assert.Equal(t, linkpkg.CaptureIdle, l.CaptureState())
	assert.Equal(t, []linkpkg.EventKind{linkpkg.EventErrored}, f.kinds())
}

func TestCapture_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.newLink(t)
	assert.ErrorIs(t, pending.StartCapture(ctx, linkpkg.DLTEthernet, "a.pcap"), ErrNotActive)
	assert.ErrorIs(t, pending.StopCapture(ctx), ErrNotActive)

	l := f.newActiveLink(t)
	assert.ErrorIs(t, l.StopCapture(ctx), ErrNotCapturing)

	require.NoError(t, l.StartCapture(ctx, linkpkg.DLTEthernet, "a.pcap"))
	assert.ErrorIs(t, l.StartCapture(ctx, linkpkg.DLTEthernet, "a.pcap"), ErrCaptureInProgress)
	assert.ErrorIs(t, l.StopCapture(ctx), ErrCaptureInProgress)

	f.ctrl.last(t).succeed(t, map[string]any{"capture_file_path": "/tmp/a.pcap"})
	assert.ErrorIs(t, l.StartCapture(ctx, linkpkg.DLTEthernet, "a.pcap"), ErrCaptureInProgress)
}

func TestCapture_LateCompletionAfterDeleteIsDiscarded(t *testing.T) {
	f := newFixture(t)
	l := f.newActiveLink(t)

	require.NoError(t, l.StartCapture(context.Background(), linkpkg.DLTEthernet, "a.pcap"))
	start := f.ctrl.last(t)

	require.NoError(t, l.DeleteLink(context.Background(), true))
	f.events = nil

	start.succeed(t, map[string]any{"capture_file_path": "/tmp/a.pcap"})

	assert.False(t, l.Capturing())
	assert.Empty(t, l.CaptureFilePath())
	assert.Empty(t, f.events)
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.newLink(t)
	assert.ErrorIs(t, pending.Get(ctx, "/pcap", func(json.RawMessage, error) {}), ErrNotActive)

	l := f.newActiveLink(t)

	var got json.RawMessage
	require.NoError(t, l.Get(ctx, "/pcap", func(result json.RawMessage, err error) {
		require.NoError(t, err)
		got = result
	}))

	req := f.ctrl.last(t)
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/projects/p-1/links/remote-1/pcap", req.path)

	req.succeed(t, map[string]any{"size": 10})
	assert.JSONEq(t, `{"size":10}`, string(got))
}

func TestGetNodePort(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)
	other := topology.NewNode(f.project, "node-c", "C")

	assert.Same(t, f.eth1, l.GetNodePort(f.r2))
	assert.Same(t, f.eth0, l.GetNodePort(f.r1))
	assert.Same(t, f.eth0, l.GetNodePort(other))
}

func TestCaptureFileName(t *testing.T) {
	project := topology.NewProject("p", "p")
	a := topology.NewNode(project, "a", "Router 1 (core)")
	b := topology.NewNode(project, "b", "sw-α/2")
	pa := a.AddPort("Gi0/0.1", 0, 0)
	pb := b.AddPort("e1 ✓", 0, 0)

	l, err := New(context.Background(), Deps{IDs: idalloc.New()}, a, pa, b, pb, WithRemoteID("x"))
	require.NoError(t, err)

	assert.Equal(t, "Router1core_Gi001_to_sw-2_e1", l.CaptureFileName())
	assert.Regexp(t, `^[0-9A-Za-z_-]+$`, l.CaptureFileName())
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"R1_eth0_to_R2_eth1", "R1_eth0_to_R2_eth1"},
		{"a b\tc", "abc"},
		{"x.y:z/w", "xyzw"},
		{"ünï-cödé", "n-cd"},
		{"!!!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeFileName(tt.in))
		})
	}
}

func TestStringAndDump(t *testing.T) {
	f := newFixture(t)
	l := f.newLink(t)

	assert.Equal(t, "Link from R1 port eth0 to R2 port eth1", l.String())
	assert.Same(t, f.project, l.Project())

	d := l.Dump()
	assert.Equal(t, l.ID(), d.ID)
	assert.Equal(t, l.String(), d.Description)
	assert.Equal(t, f.r1.ID(), d.SourceNodeID)
	assert.Equal(t, f.eth0.ID(), d.SourcePortID)
	assert.Equal(t, f.r2.ID(), d.DestinationNodeID)
	assert.Equal(t, f.eth1.ID(), d.DestinationPortID)
}

func TestNilNotifierAndLogger(t *testing.T) {
	f := newFixture(t)
	deps := Deps{Controller: f.ctrl, IDs: idalloc.New()}

	l, err := New(context.Background(), deps, f.r1, f.eth0, f.r2, f.eth1)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		f.ctrl.last(t).fail("x")
		require.NoError(t, l.DeleteLink(context.Background(), true))
	})
}

func TestObserverErrorDoesNotAffectLink(t *testing.T) {
	f := newFixture(t)
	bus := notify.NewBus(nil)
	defer bus.Close()
	_, err := bus.SubscribeFunc(func(linkpkg.Event) error { return errors.New("observer failed") })
	require.NoError(t, err)
	f.deps.Notifier = bus

	l := f.newLink(t)
	f.ctrl.last(t).succeed(t, map[string]any{"link_id": "ok"})

	assert.Equal(t, linkpkg.StateActive, l.State())
}
