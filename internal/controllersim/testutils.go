package controllersim

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rmacdonaldsmith/topolink/pkg/controller"
)

// TestServerSetup holds a running simulator for tests
type TestServerSetup struct {
	Server *Server
	HTTP   *httptest.Server
	lis    *bufconn.Listener
}

// NewTestServerSetup starts a simulator on an httptest server and an
// in-memory gRPC listener. Both are stopped when the test ends.
func NewTestServerSetup(t *testing.T, config Config) *TestServerSetup {
	t.Helper()

	server, err := NewServer(config)
	if err != nil {
		t.Fatalf("Failed to create simulator: %v", err)
	}

	setup := &TestServerSetup{
		Server: server,
		HTTP:   httptest.NewServer(server.Handler()),
		lis:    bufconn.Listen(1 << 20),
	}
	go server.GRPCServer().Serve(setup.lis)

	t.Cleanup(func() {
		setup.HTTP.Close()
		server.GRPCServer().Stop()
	})
	return setup
}

// URL returns the base URL of the HTTP front (without the API prefix)
func (setup *TestServerSetup) URL() string {
	return setup.HTTP.URL
}

// Token issues a token for the default admin user
func (setup *TestServerSetup) Token(t *testing.T) string {
	t.Helper()

	token, _, err := setup.Server.Auth().GenerateToken("admin")
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// HTTPClient returns an authenticated controller client for the HTTP front
func (setup *TestServerSetup) HTTPClient(t *testing.T) *controller.Client {
	t.Helper()

	client, err := controller.NewClient(controller.Config{ServerURL: setup.URL(), Token: setup.Token(t)})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

// GRPCTransport returns a transport connected to the gRPC front with the
// given token. The connection is closed when the test ends.
func (setup *TestServerSetup) GRPCTransport(t *testing.T, token string) *controller.GRPCTransport {
	t.Helper()

	transport, conn, err := controller.DialGRPC("passthrough:///bufnet", token,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return setup.lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("Failed to dial simulator: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return transport
}
