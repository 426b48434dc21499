package controllersim

import (
	"fmt"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/topolink/pkg/controller"
)

// Operation names accepted by FailNext.
const (
	OpCreate       = "create"
	OpDelete       = "delete"
	OpGet          = "get"
	OpList         = "list"
	OpStartCapture = "start_capture"
	OpStopCapture  = "stop_capture"
)

// simLink is the simulator's record of one link.
type simLink struct {
	info      controller.LinkInfo
	createdAt time.Time
}

type endpointKey struct {
	projectID string
	nodeID    string
	adapter   int
	port      int
}

type fault struct {
	status  int
	message string
}

// Store holds the links known to the simulator. It enforces the controller's
// rules: a port carries at most one link, captures cannot be started twice or
// stopped when not running, and unknown links are 404. It is safe for
// concurrent use.
type Store struct {
	mu         sync.Mutex
	links      map[string]map[string]*simLink // project -> link id -> link
	endpoints  map[endpointKey]string         // endpoint -> link id
	faults     map[string][]fault
	captureDir string
}

// NewStore creates an empty store. Capture files are reported under captureDir.
func NewStore(captureDir string) *Store {
	if captureDir == "" {
		captureDir = "/tmp/topolink/captures"
	}
	return &Store{
		links:      make(map[string]map[string]*simLink),
		endpoints:  make(map[endpointKey]string),
		faults:     make(map[string][]fault),
		captureDir: captureDir,
	}
}

// FailNext makes the next request of the given operation fail with status and
// message. Calls queue up.
func (s *Store) FailNext(op string, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], fault{status: status, message: message})
}

// injected pops a queued fault for op. Callers hold s.mu.
func (s *Store) injected(op string) error {
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	f := queue[0]
	s.faults[op] = queue[1:]
	return &controller.APIError{Status: f.status, Message: f.message}
}

// CreateLink creates a link between two endpoints.
func (s *Store) CreateLink(projectID string, req controller.CreateLinkRequest) (controller.LinkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpCreate); err != nil {
		return controller.LinkInfo{}, err
	}
	if len(req.Nodes) != 2 {
		return controller.LinkInfo{}, apiError(http.StatusBadRequest, "a link needs exactly 2 nodes, got %d", len(req.Nodes))
	}

	keys := make([]endpointKey, 0, 2)
	for _, n := range req.Nodes {
		if n.NodeID == "" {
			return controller.LinkInfo{}, apiError(http.StatusBadRequest, "node_id is required")
		}
		key := endpointKey{projectID: projectID, nodeID: n.NodeID, adapter: n.AdapterNumber, port: n.PortNumber}
		if other, used := s.endpoints[key]; used {
			return controller.LinkInfo{}, apiError(http.StatusConflict,
				"port %d/%d of node %s is already connected by link %s", n.AdapterNumber, n.PortNumber, n.NodeID, other)
		}
		keys = append(keys, key)
	}
	if keys[0] == keys[1] {
		return controller.LinkInfo{}, apiError(http.StatusBadRequest, "cannot connect a port to itself")
	}

	id := uuid.NewString()
	info := controller.LinkInfo{
		LinkID:    controller.LinkID(id),
		ProjectID: projectID,
		Nodes:     append([]controller.LinkEndpoint(nil), req.Nodes...),
	}

	if s.links[projectID] == nil {
		s.links[projectID] = make(map[string]*simLink)
	}
	s.links[projectID][id] = &simLink{info: info, createdAt: time.Now()}
	for _, key := range keys {
		s.endpoints[key] = id
	}
	return info, nil
}

// DeleteLink removes a link and frees its endpoints.
func (s *Store) DeleteLink(projectID, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpDelete); err != nil {
		return err
	}
	l, err := s.lookup(projectID, linkID)
	if err != nil {
		return err
	}

	for _, n := range l.info.Nodes {
		delete(s.endpoints, endpointKey{projectID: projectID, nodeID: n.NodeID, adapter: n.AdapterNumber, port: n.PortNumber})
	}
	delete(s.links[projectID], linkID)
	return nil
}

// GetLink returns one link.
func (s *Store) GetLink(projectID, linkID string) (controller.LinkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpGet); err != nil {
		return controller.LinkInfo{}, err
	}
	l, err := s.lookup(projectID, linkID)
	if err != nil {
		return controller.LinkInfo{}, err
	}
	return l.info, nil
}

// ListLinks returns the links of a project, oldest first.
func (s *Store) ListLinks(projectID string) ([]controller.LinkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpList); err != nil {
		return nil, err
	}

	links := make([]*simLink, 0, len(s.links[projectID]))
	for _, l := range s.links[projectID] {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].createdAt.Equal(links[j].createdAt) {
			return links[i].info.LinkID < links[j].info.LinkID
		}
		return links[i].createdAt.Before(links[j].createdAt)
	})

	out := make([]controller.LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, l.info)
	}
	return out, nil
}

// StartCapture starts a capture and returns the capture file path.
func (s *Store) StartCapture(projectID, linkID string, req controller.StartCaptureRequest) (controller.StartCaptureResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpStartCapture); err != nil {
		return controller.StartCaptureResponse{}, err
	}
	l, err := s.lookup(projectID, linkID)
	if err != nil {
		return controller.StartCaptureResponse{}, err
	}
	if l.info.Capturing {
		return controller.StartCaptureResponse{}, apiError(http.StatusConflict, "link %s is already capturing", linkID)
	}

	name := path.Base(req.CaptureFileName)
	if req.CaptureFileName == "" || name == "." || name == "/" {
		return controller.StartCaptureResponse{}, apiError(http.StatusBadRequest, "capture_file_name is required")
	}

	l.info.Capturing = true
	l.info.CaptureFileName = name
	l.info.CaptureFilePath = path.Join(s.captureDir, projectID, name)
	return controller.StartCaptureResponse{CaptureFilePath: l.info.CaptureFilePath}, nil
}

// StopCapture stops the running capture.
func (s *Store) StopCapture(projectID, linkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpStopCapture); err != nil {
		return err
	}
	l, err := s.lookup(projectID, linkID)
	if err != nil {
		return err
	}
	if !l.info.Capturing {
		return apiError(http.StatusConflict, "link %s is not capturing", linkID)
	}

	l.info.Capturing = false
	l.info.CaptureFileName = ""
	l.info.CaptureFilePath = ""
	return nil
}

// Len returns the number of links across all projects.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, links := range s.links {
		n += len(links)
	}
	return n
}

// lookup finds a link. Callers hold s.mu.
func (s *Store) lookup(projectID, linkID string) (*simLink, error) {
	l, ok := s.links[projectID][linkID]
	if !ok {
		return nil, apiError(http.StatusNotFound, "link %s not found in project %s", linkID, projectID)
	}
	return l, nil
}

func apiError(status int, format string, args ...any) error {
	return &controller.APIError{Status: status, Message: fmt.Sprintf(format, args...)}
}
