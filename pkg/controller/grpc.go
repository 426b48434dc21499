package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// The controller service has a single unary method that carries the same
// method/path/body triple as the HTTP API. Requests and responses are
// google.protobuf.Struct envelopes:
//
//	request:  {"method": "POST", "path": "/projects/p/links", "body": {...}}
//	response: {"status": 201, "message": "", "body": {...}}
const (
	ServiceName = "topolink.controller.v1.Controller"
	doMethod    = "/" + ServiceName + "/Do"
)

// Router answers controller requests. Failures are reported as *APIError.
type Router interface {
	Route(ctx context.Context, method, path string, body json.RawMessage) (json.RawMessage, error)
}

// RegisterRouter exposes r as the controller gRPC service on s.
func RegisterRouter(s grpc.ServiceRegistrar, r Router) {
	s.RegisterService(&serviceDesc, r)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Router)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Do",
			Handler:    doHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "topolink/controller/v1/controller.proto",
}

func doHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return serveDo(ctx, srv.(Router), in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: doMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return serveDo(ctx, srv.(Router), req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// serveDo unpacks a request envelope, routes it and packs the answer.
func serveDo(ctx context.Context, r Router, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	method := fields["method"].GetStringValue()
	path := fields["path"].GetStringValue()

	var body json.RawMessage
	if v, ok := fields["body"]; ok && !isNull(v) {
		raw, err := json.Marshal(v.AsInterface())
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = raw
	}

	result, err := r.Route(ctx, method, path, body)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			apiErr = &APIError{Status: http.StatusInternalServerError, Message: err.Error()}
		}
		return structpb.NewStruct(map[string]any{
			"status":  apiErr.Status,
			"message": apiErr.Message,
		})
	}

	out := map[string]any{"status": http.StatusOK}
	if len(result) > 0 {
		var decoded any
		if err := json.Unmarshal(result, &decoded); err != nil {
			return nil, fmt.Errorf("decode response body: %w", err)
		}
		out["body"] = decoded
	}
	return structpb.NewStruct(out)
}

func isNull(v *structpb.Value) bool {
	_, ok := v.GetKind().(*structpb.Value_NullValue)
	return ok
}

// GRPCTransport sends controller requests over gRPC.
type GRPCTransport struct {
	conn  grpc.ClientConnInterface
	token string
}

// NewGRPCTransport wraps an existing connection. token, when set, is sent as a
// bearer token in the request metadata.
func NewGRPCTransport(conn grpc.ClientConnInterface, token string) *GRPCTransport {
	return &GRPCTransport{conn: conn, token: token}
}

// DialGRPC connects to a controller gRPC endpoint without transport security.
func DialGRPC(address, token string, opts ...grpc.DialOption) (*GRPCTransport, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	return NewGRPCTransport(conn, token), conn, nil
}

// Do performs one request.
func (t *GRPCTransport) Do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	fields := map[string]any{
		"method": method,
		"path":   path,
	}
	if body != nil {
		generic, err := toGeneric(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		fields["body"] = generic
	}

	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if t.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+t.token)
	}

	out := new(structpb.Struct)
	if err := t.conn.Invoke(ctx, doMethod, in, out); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	resp := out.GetFields()
	status := int(resp["status"].GetNumberValue())
	if status >= 400 {
		msg := resp["message"].GetStringValue()
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, &APIError{Status: status, Message: msg}
	}

	v, ok := resp["body"]
	if !ok || isNull(v) {
		return nil, nil
	}
	raw, err := json.Marshal(v.AsInterface())
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return raw, nil
}

// toGeneric turns a typed request body into the map/slice/scalar shape that
// structpb accepts.
func toGeneric(body any) (any, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

var _ Transport = (*GRPCTransport)(nil)
