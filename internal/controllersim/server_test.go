package controllersim

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/topolink/pkg/controller"
)

func TestServer_LoginAndLinkLifecycleOverHTTP(t *testing.T) {
	setup := NewTestServerSetup(t, Config{Users: map[string]string{"admin": "secret"}})
	ctx := context.Background()

	client, err := controller.NewClient(controller.Config{ServerURL: setup.URL(), User: "admin", Password: "secret"})
	require.NoError(t, err)
	require.NoError(t, client.Authenticate(ctx))

	created, err := client.CreateLink(ctx, "p1", linkRequest("r1", "r2"))
	require.NoError(t, err)
	require.NotEmpty(t, created.LinkID)
	id := string(created.LinkID)

	capture, err := client.StartCapture(ctx, "p1", id, controller.StartCaptureRequest{CaptureFileName: "r1_to_r2.pcap", DataLinkType: "DLT_EN10MB"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/topolink/captures/p1/r1_to_r2.pcap", capture.CaptureFilePath)

	info, err := client.GetLink(ctx, "p1", id)
	require.NoError(t, err)
	assert.True(t, info.Capturing)

	filters, err := client.Do(ctx, http.MethodGet, controller.LinkPath("p1", id)+"/available_filters", nil)
	require.NoError(t, err)
	assert.Contains(t, string(filters), "packet_loss")

	require.NoError(t, client.StopCapture(ctx, "p1", id))
	require.NoError(t, client.DeleteLink(ctx, "p1", id))

	links, err := client.ListLinks(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, links)

	err = client.DeleteLink(ctx, "p1", id)
	assert.True(t, controller.IsStatus(err, http.StatusNotFound))
}

func TestServer_HTTPStatusCodes(t *testing.T) {
	setup := NewTestServerSetup(t, Config{})
	token := setup.Token(t)

	do := func(method, path, body string, auth bool) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, setup.URL()+path, strings.NewReader(body))
		require.NoError(t, err)
		if auth {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := do(http.MethodPost, "/v2/projects/p1/links", `{"nodes":[{"node_id":"a"},{"node_id":"b"}]}`, true)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var info controller.LinkInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))

	resp = do(http.MethodDelete, "/v2/projects/p1/links/"+string(info.LinkID), "", true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(http.MethodGet, "/v2/projects/p1/links", "", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(http.MethodPut, "/v2/projects/p1/links", "", true)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = do(http.MethodPost, "/v2/projects/p1/links", "{not json", true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(http.MethodGet, "/v2/nothing/here", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp controller.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, http.StatusNotFound, errResp.Status)
	assert.NotEmpty(t, errResp.Message)

	resp = do(http.MethodGet, "/v2/auth/login", "", false)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = do(http.MethodPost, "/v2/auth/login", `{"username":"admin","password":"nope"}`, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_PublicEndpoints(t *testing.T) {
	setup := NewTestServerSetup(t, Config{})

	client, err := controller.NewClient(controller.Config{ServerURL: setup.URL()})
	require.NoError(t, err)

	v, err := client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Version, v.Version)

	resp, err := http.Get(setup.URL() + "/v2/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.True(t, health.Healthy)
	assert.Equal(t, 0, health.Links)

	root, err := http.Get(setup.URL() + "/")
	require.NoError(t, err)
	defer root.Body.Close()
	body, err := io.ReadAll(root.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "start_capture")
}

func TestServer_NoAuth(t *testing.T) {
	setup := NewTestServerSetup(t, Config{NoAuth: true})

	client, err := controller.NewClient(controller.Config{ServerURL: setup.URL()})
	require.NoError(t, err)

	_, err = client.CreateLink(context.Background(), "p1", linkRequest("r1", "r2"))
	assert.NoError(t, err)

	transport := setup.GRPCTransport(t, "")
	_, err = transport.Do(context.Background(), http.MethodGet, controller.LinksPath("p1"), nil)
	assert.NoError(t, err)
}

func TestServer_GRPC(t *testing.T) {
	setup := NewTestServerSetup(t, Config{})
	ctx := context.Background()
	transport := setup.GRPCTransport(t, setup.Token(t))

	raw, err := transport.Do(ctx, http.MethodPost, controller.LinksPath("p1"), linkRequest("r1", "r2"))
	require.NoError(t, err)

	var created controller.CreateLinkResponse
	require.NoError(t, json.Unmarshal(raw, &created))
	require.NotEmpty(t, created.LinkID)

	_, err = transport.Do(ctx, http.MethodPost, controller.LinksPath("p1"), linkRequest("r1", "r9"))
	assert.True(t, controller.IsStatus(err, http.StatusConflict))

	raw, err = transport.Do(ctx, http.MethodDelete, controller.LinkPath("p1", string(created.LinkID)), nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, 0, setup.Server.Store().Len())
}

func TestServer_GRPCRequiresToken(t *testing.T) {
	setup := NewTestServerSetup(t, Config{})

	_, err := setup.GRPCTransport(t, "").Do(context.Background(), http.MethodGet, "/version", nil)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = setup.GRPCTransport(t, "garbage").Do(context.Background(), http.MethodGet, "/version", nil)
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	setup := NewTestServerSetup(t, Config{Registry: reg})
	ctx := context.Background()

	client := setup.HTTPClient(t)
	_, err := client.CreateLink(ctx, "p1", linkRequest("r1", "r2"))
	require.NoError(t, err)
	_, err = client.GetLink(ctx, "p1", "missing")
	require.Error(t, err)

	_, err = setup.GRPCTransport(t, setup.Token(t)).Do(ctx, http.MethodGet, controller.LinksPath("p1"), nil)
	require.NoError(t, err)

	requests := setup.Server.requests
	assert.Equal(t, 1.0, testutil.ToFloat64(requests.WithLabelValues("http", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(requests.WithLabelValues("http", "404")))
	assert.Equal(t, 1.0, testutil.ToFloat64(requests.WithLabelValues("grpc", "200")))

	rec := httptest.NewRecorder()
	setup.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "topolink_sim_requests_total")
}

func TestServer_Stop(t *testing.T) {
	server, err := NewServer(Config{Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() { errs <- server.Start() }()

	require.NoError(t, server.Stop(context.Background()))
	assert.ErrorIs(t, <-errs, http.ErrServerClosed)
}
