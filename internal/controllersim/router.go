package controllersim

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/rmacdonaldsmith/topolink/pkg/controller"
)

// Version is reported by GET /version.
const Version = "2.2.0-sim"

// availableFilters answers GET .../links/{id}/available_filters.
var availableFilters = []map[string]string{
	{"type": "frequency_drop", "name": "Frequency drop"},
	{"type": "packet_loss", "name": "Packet loss"},
	{"type": "delay", "name": "Delay"},
	{"type": "corrupt", "name": "Corrupt"},
}

// Router maps controller requests onto a Store. Paths are relative to the API
// prefix and may be percent-escaped. It serves both the HTTP and gRPC fronts.
type Router struct {
	store *Store
}

// NewRouter creates a router over store.
func NewRouter(store *Store) *Router {
	return &Router{store: store}
}

// Route answers one request. Failures are *controller.APIError.
func (rt *Router) Route(ctx context.Context, method, rawPath string, body json.RawMessage) (json.RawMessage, error) {
	segs, err := splitPath(rawPath)
	if err != nil {
		return nil, apiError(http.StatusBadRequest, "invalid path %q", rawPath)
	}

	switch {
	case len(segs) == 1 && segs[0] == "version":
		if method != http.MethodGet {
			return nil, methodNotAllowed(method, rawPath)
		}
		return encode(controller.VersionResponse{Version: Version, Local: true})

	case len(segs) >= 3 && segs[0] == "projects" && segs[2] == "links":
		return rt.routeLinks(method, rawPath, segs[1], segs[3:], body)
	}
	return nil, apiError(http.StatusNotFound, "no route for %s %s", method, rawPath)
}

func (rt *Router) routeLinks(method, rawPath, projectID string, rest []string, body json.RawMessage) (json.RawMessage, error) {
	switch len(rest) {
	case 0:
		switch method {
		case http.MethodGet:
			links, err := rt.store.ListLinks(projectID)
			if err != nil {
				return nil, err
			}
			return encode(links)
		case http.MethodPost:
			var req controller.CreateLinkRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			info, err := rt.store.CreateLink(projectID, req)
			if err != nil {
				return nil, err
			}
			return encode(info)
		}

	case 1:
		linkID := rest[0]
		switch method {
		case http.MethodGet:
			info, err := rt.store.GetLink(projectID, linkID)
			if err != nil {
				return nil, err
			}
			return encode(info)
		case http.MethodDelete:
			return nil, rt.store.DeleteLink(projectID, linkID)
		}

	case 2:
		linkID := rest[0]
		switch {
		case rest[1] == "start_capture" && method == http.MethodPost:
			var req controller.StartCaptureRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			resp, err := rt.store.StartCapture(projectID, linkID, req)
			if err != nil {
				return nil, err
			}
			return encode(resp)
		case rest[1] == "stop_capture" && method == http.MethodPost:
			return nil, rt.store.StopCapture(projectID, linkID)
		case rest[1] == "available_filters" && method == http.MethodGet:
			if _, err := rt.store.GetLink(projectID, linkID); err != nil {
				return nil, err
			}
			return encode(availableFilters)
		case rest[1] == "start_capture", rest[1] == "stop_capture", rest[1] == "available_filters":
			return nil, methodNotAllowed(method, rawPath)
		}
		return nil, apiError(http.StatusNotFound, "no route for %s %s", method, rawPath)

	default:
		return nil, apiError(http.StatusNotFound, "no route for %s %s", method, rawPath)
	}
	return nil, methodNotAllowed(method, rawPath)
}

// splitPath returns the unescaped, non-empty segments of p.
func splitPath(p string) ([]string, error) {
	var segs []string
	for _, s := range strings.Split(strings.Trim(p, "/"), "/") {
		if s == "" {
			continue
		}
		u, err := url.PathUnescape(s)
		if err != nil {
			return nil, err
		}
		segs = append(segs, u)
	}
	return segs, nil
}

func decode(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return apiError(http.StatusBadRequest, "request body required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apiError(http.StatusBadRequest, "invalid JSON: %v", err)
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apiError(http.StatusInternalServerError, "encode response: %v", err)
	}
	return raw, nil
}

func methodNotAllowed(method, p string) error {
	return apiError(http.StatusMethodNotAllowed, "method %s not allowed on %s", method, p)
}

var _ controller.Router = (*Router)(nil)
