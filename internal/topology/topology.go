// Package topology provides in-memory projects, nodes and ports that satisfy
// the collaborator contracts of package link.
package topology

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/topolink/pkg/link"
)

var localIDs atomic.Int64

func nextLocalID() int {
	return int(localIDs.Add(1))
}

// Project is a named topology project.
type Project struct {
	id   string
	name string
}

// NewProject creates a project with the controller id and display name.
func NewProject(id, name string) *Project {
	return &Project{id: id, name: name}
}

func (p *Project) ID() string   { return p.id }
func (p *Project) Name() string { return p.name }

// Node is a device with a set of ports and a registry of attached links.
// It is safe for concurrent use.
type Node struct {
	id      int
	nodeID  string
	name    string
	project link.Project

	mu        sync.RWMutex
	ports     []*Port
	links     map[int]link.Link
	listeners []func(*Node)
	updates   int
}

// NewNode creates a node. nodeID is the controller device identifier.
func NewNode(project link.Project, nodeID, name string) *Node {
	return &Node{
		id:      nextLocalID(),
		nodeID:  nodeID,
		name:    name,
		project: project,
		links:   make(map[int]link.Link),
	}
}

func (n *Node) ID() int               { return n.id }
func (n *Node) NodeID() string        { return n.nodeID }
func (n *Node) Name() string          { return n.name }
func (n *Node) Project() link.Project { return n.project }
func (n *Node) String() string        { return n.name }

// AddPort creates a port on this node.
func (n *Node) AddPort(name string, adapterNumber, portNumber int) *Port {
	p := &Port{
		id:            nextLocalID(),
		name:          name,
		adapterNumber: adapterNumber,
		portNumber:    portNumber,
	}

	n.mu.Lock()
	n.ports = append(n.ports, p)
	n.mu.Unlock()
	return p
}

// Port returns the port with the given name, or nil.
func (n *Node) Port(name string) *Port {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, p := range n.ports {
		if p.name == name {
			return p
		}
	}
	return nil
}

// AddLink registers l with this node.
func (n *Node) AddLink(l link.Link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links[l.ID()] = l
}

// DeleteLink removes l from this node.
func (n *Node) DeleteLink(l link.Link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.links, l.ID())
}

// HasLink reports whether a link with the given local id is registered.
func (n *Node) HasLink(id int) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.links[id]
	return ok
}

// Links returns the registered links.
func (n *Node) Links() []link.Link {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]link.Link, 0, len(n.links))
	for _, l := range n.links {
		out = append(out, l)
	}
	return out
}

// OnUpdated registers a listener called every time the node announces an update.
func (n *Node) OnUpdated(fn func(*Node)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Updated announces that the node changed.
func (n *Node) Updated() {
	n.mu.Lock()
	n.updates++
	listeners := slices.Clone(n.listeners)
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(n)
	}
}

// UpdateCount returns how many times Updated was called.
func (n *Node) UpdateCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.updates
}

// Port is a node interface. A link sets its association while active.
type Port struct {
	id            int
	name          string
	adapterNumber int
	portNumber    int

	mu       sync.RWMutex
	linkID   int
	destNode link.Node
	destPort link.Port
}

func (p *Port) ID() int            { return p.id }
func (p *Port) Name() string       { return p.name }
func (p *Port) AdapterNumber() int { return p.adapterNumber }
func (p *Port) PortNumber() int    { return p.portNumber }
func (p *Port) String() string     { return p.name }

func (p *Port) SetLinkID(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkID = id
}

func (p *Port) SetDestinationNode(n link.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destNode = n
}

func (p *Port) SetDestinationPort(dp link.Port) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destPort = dp
}

// SetFree clears the link association and destination.
func (p *Port) SetFree() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkID = 0
	p.destNode = nil
	p.destPort = nil
}

// LinkID returns the local id of the attached link, 0 when free.
func (p *Port) LinkID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.linkID
}

func (p *Port) DestinationNode() link.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.destNode
}

func (p *Port) DestinationPort() link.Port {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.destPort
}

// IsFree reports whether no link is attached.
func (p *Port) IsFree() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.linkID == 0 && p.destNode == nil && p.destPort == nil
}

var (
	_ link.Project = (*Project)(nil)
	_ link.Node    = (*Node)(nil)
	_ link.Port    = (*Port)(nil)
)
