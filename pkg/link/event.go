package link

import "fmt"

// EventKind identifies a lifecycle notification.
type EventKind string

const (
	// EventCreated fires once the controller confirmed the link and both
	// endpoints were wired
	EventCreated EventKind = "created"

	// EventDeleted fires once both endpoints were released
	EventDeleted EventKind = "deleted"

	// EventUpdated fires when the capture state changed
	EventUpdated EventKind = "updated"

	// EventErrored fires when a controller request for the link failed
	EventErrored EventKind = "errored"
)

// Event is a lifecycle notification for a single link.
type Event struct {
	Kind EventKind

	// LinkID is the local identifier of the link
	LinkID int

	// Op names the failed operation, set only for EventErrored
	Op string

	// Err is the failure, set only for EventErrored
	Err error
}

func (e Event) String() string {
	if e.Kind == EventErrored {
		return fmt.Sprintf("link %d %s (%s: %v)", e.LinkID, e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("link %d %s", e.LinkID, e.Kind)
}

// State is the lifecycle state of a link.
type State int

const (
	// StatePending means the create request is still outstanding
	StatePending State = iota

	// StateActive means the controller confirmed the link
	StateActive

	// StateDeleting means a delete request is in flight
	StateDeleting

	// StateDeleted is terminal
	StateDeleted

	// StateFailed means the create request failed; the link has no remote id
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateDeleting:
		return "deleting"
	case StateDeleted:
		return "deleted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CaptureState is the packet capture sub-state of a link.
type CaptureState int

const (
	CaptureIdle CaptureState = iota
	CaptureStarting
	CaptureRunning
	CaptureStopping
)

func (s CaptureState) String() string {
	switch s {
	case CaptureIdle:
		return "idle"
	case CaptureStarting:
		return "starting"
	case CaptureRunning:
		return "capturing"
	case CaptureStopping:
		return "stopping"
	default:
		return fmt.Sprintf("CaptureState(%d)", int(s))
	}
}

// DataLinkType is the link-layer header type requested for a capture, as named
// by libpcap.
type DataLinkType string

const (
	DLTEthernet   DataLinkType = "DLT_EN10MB"
	DLTCiscoHDLC  DataLinkType = "DLT_C_HDLC"
	DLTPPPSerial  DataLinkType = "DLT_PPP_SERIAL"
	DLTFrameRelay DataLinkType = "DLT_FRELAY"
	DLTATMRFC1483 DataLinkType = "DLT_ATM_RFC1483"
)
