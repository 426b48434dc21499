package link

import (
	"context"
	"encoding/json"
)

// Project is the topology project that owns the nodes of a link.
type Project interface {
	// ID returns the controller identifier of the project
	ID() string

	// Name returns the human readable project name
	Name() string
}

// Node is a device in the topology. A link registers itself with both of its
// nodes and asks them to announce updates when it goes away.
type Node interface {
	// ID returns the local identifier of the node
	ID() int

	// NodeID returns the stable device identifier known to the controller
	NodeID() string

	// Name returns the display name of the node
	Name() string

	// Project returns the project this node belongs to
	Project() Project

	// AddLink registers a link with this node
	AddLink(l Link)

	// DeleteLink removes a link registration from this node
	DeleteLink(l Link)

	// Updated makes the node emit its own updated notification
	Updated()
}

// Port is one interface of a node. A link owns the port's link association while
// it is active.
type Port interface {
	// ID returns the local identifier of the port
	ID() int

	// Name returns the display name of the port (e.g. "eth0")
	Name() string

	// AdapterNumber returns the adapter slot the port sits on
	AdapterNumber() int

	// PortNumber returns the port number within its adapter
	PortNumber() int

	SetLinkID(id int)
	SetDestinationNode(n Node)
	SetDestinationPort(p Port)

	// SetFree clears the port's link association and destination
	SetFree()
}

// Link is the view of a link held by nodes and other collaborators.
type Link interface {
	// ID returns the process-local link identifier
	ID() int

	// RemoteID returns the controller identifier, empty while pending
	RemoteID() string

	String() string
}

// Callback receives the completion of a controller request. Exactly one of
// result and err is meaningful: err is non-nil when the request failed.
type Callback func(result json.RawMessage, err error)

// Controller issues asynchronous requests against the remote controller. Every
// method returns immediately; the callback runs later, exactly once, on the
// controller's dispatcher.
type Controller interface {
	Post(ctx context.Context, path string, body any, cb Callback)
	Delete(ctx context.Context, path string, cb Callback)
	Get(ctx context.Context, path string, cb Callback)
}

// IDAllocator hands out process-local link identifiers.
type IDAllocator interface {
	// Next returns the next identifier; identifiers are strictly increasing
	Next() int

	// Reset makes the next identifier 1 again
	Reset()
}

// Notifier delivers lifecycle events to observers.
type Notifier interface {
	Publish(ev Event)
}

// Observer receives lifecycle events. A returned error is logged by the bus and
// does not stop delivery to other observers.
type Observer interface {
	HandleLinkEvent(ev Event) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ev Event) error

// HandleLinkEvent calls f(ev).
func (f ObserverFunc) HandleLinkEvent(ev Event) error {
	return f(ev)
}
