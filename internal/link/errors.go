package link

import "errors"

var (
	// ErrNilEndpoint is returned when a node or port of either endpoint is nil
	ErrNilEndpoint = errors.New("link endpoints cannot be nil")
	// ErrNoProject is returned when the source node has no project
	ErrNoProject = errors.New("source node has no project")
	// ErrNoController is returned when a remote request is needed but no controller was given
	ErrNoController = errors.New("controller cannot be nil")

	// ErrDeleted is returned for operations on a deleted link
	ErrDeleted = errors.New("link deleted")
	// ErrDeleteInProgress is returned when a deletion is already under way
	ErrDeleteInProgress = errors.New("link deletion in progress")
	// ErrNotActive is returned when an operation needs a confirmed remote link
	ErrNotActive = errors.New("link not active")
	// ErrCaptureInProgress is returned when a capture is running or changing state
	ErrCaptureInProgress = errors.New("capture already running or pending")
	// ErrNotCapturing is returned when stopping a capture that is not running
	ErrNotCapturing = errors.New("no capture running")
)
