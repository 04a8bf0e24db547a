package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Node is a sequence tree node. Nodes are created only through a Manager.
type Node struct {
	id        string
	kind      NodeKind
	name      string
	server    *Server
	predicate Predicate
	operation Operation
	children  []*Node
	manager   *Manager
}

// ID returns the node identifier, unique within the process.
func (n *Node) ID() string { return n.id }

// Kind returns the node variant.
func (n *Node) Kind() NodeKind { return n.kind }

// Name returns the display name of the node.
func (n *Node) Name() string { return n.name }

// Server returns the bound server of a Remote node, nil otherwise.
func (n *Node) Server() *Server { return n.server }

// Predicate returns the gate of a Conditional node, nil otherwise.
func (n *Node) Predicate() Predicate { return n.predicate }

// Operation returns the unit of work of an Operation node, nil otherwise.
func (n *Node) Operation() Operation { return n.operation }

// Children returns a copy of the node's ordered children.
func (n *Node) Children() []*Node {
	n.manager.mu.Lock()
	defer n.manager.mu.Unlock()
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Manager owns a sequence tree: exactly one Local root and one Remote root
// per distinct server name.
type Manager struct {
	mu       sync.Mutex
	frozen   atomic.Bool
	local    *Node
	remotes  []*Node
	byServer map[string]*Node
}

// NewManager creates an empty, unfrozen sequence tree.
func NewManager() *Manager {
	m := &Manager{byServer: make(map[string]*Node)}
	m.local = m.newNode(NodeKindLocal, "local")
	return m
}

func (m *Manager) newNode(kind NodeKind, name string) *Node {
	return &Node{
		id:      uuid.New().String(),
		kind:    kind,
		name:    name,
		manager: m,
	}
}

// Local returns the single Local root.
func (m *Manager) Local() *Node {
	return m.local
}

// Remote returns the Remote root for server, creating it on first reference.
// Later references with the same server name return the same node, keeping
// the attributes of the first declaration.
func (m *Manager) Remote(server *Server) (*Node, error) {
	if server == nil || server.Name == "" {
		return nil, NewPermanentError("server name is required", nil).WithCode(ErrCodeValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if node, ok := m.byServer[server.Name]; ok {
		return node, nil
	}
	if m.frozen.Load() {
		return nil, NewPlanFrozenError("remote").WithServer(server.Name)
	}

	srv := *server
	node := m.newNode(NodeKindRemote, server.Name)
	node.server = &srv
	m.byServer[server.Name] = node
	m.remotes = append(m.remotes, node)
	return node, nil
}

// AddOperation appends an Operation leaf to parent.
func (m *Manager) AddOperation(parent *Node, op Operation) (*Node, error) {
	if op == nil {
		return nil, NewPermanentError("operation is nil", nil).WithCode(ErrCodeValidation)
	}

	node := m.newNode(NodeKindOperation, op.Name())
	node.operation = op
	if err := m.attach(parent, node, "add_operation"); err != nil {
		return nil, err
	}
	return node, nil
}

// AddConditional appends a Conditional node to parent and returns it.
// Children added to the returned node run only when pred holds for the
// facts of the enclosing server.
func (m *Manager) AddConditional(parent *Node, pred Predicate) (*Node, error) {
	if pred == nil {
		return nil, NewPermanentError("predicate is nil", nil).WithCode(ErrCodeValidation)
	}
	if parent != nil && parent.kind == NodeKindLocal {
		return nil, NewPermanentError("conditionals require server facts and cannot be added to the local root", nil).
			WithCode(ErrCodeValidation).
			WithNode(parent.id)
	}

	node := m.newNode(NodeKindConditional, describePredicate(pred))
	node.predicate = pred
	if err := m.attach(parent, node, "add_conditional"); err != nil {
		return nil, err
	}
	return node, nil
}

func (m *Manager) attach(parent, child *Node, action string) error {
	if parent == nil {
		return NewPermanentError("parent node is nil", nil).WithCode(ErrCodeValidation)
	}
	if parent.manager != m {
		return NewPermanentError("parent node belongs to another manager", nil).
			WithCode(ErrCodeValidation).
			WithNode(parent.id)
	}
	if !parent.kind.IsComposite() {
		return NewPermanentError(fmt.Sprintf("cannot add children to %s node", parent.kind), nil).
			WithCode(ErrCodeValidation).
			WithNode(parent.id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen.Load() {
		return NewPlanFrozenError(action).WithNode(parent.id)
	}
	parent.children = append(parent.children, child)
	return nil
}

// Freeze rejects all further mutation. Engine.Run calls it before executing.
func (m *Manager) Freeze() {
	m.mu.Lock()
	m.frozen.Store(true)
	m.mu.Unlock()
}

// IsFrozen returns true once execution has begun.
func (m *Manager) IsFrozen() bool {
	return m.frozen.Load()
}

// RemoteNodes returns the Remote roots in declaration order.
func (m *Manager) RemoteNodes() []*Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Node, len(m.remotes))
	copy(out, m.remotes)
	return out
}

// Servers returns the declared servers in declaration order.
func (m *Manager) Servers() []*Server {
	nodes := m.RemoteNodes()
	out := make([]*Server, len(nodes))
	for i, n := range nodes {
		out[i] = n.server
	}
	return out
}

// Walk visits every node depth-first in declaration order, Local root first.
// Returning false from fn stops descent into that node's children.
func (m *Manager) Walk(fn func(node *Node, depth int) bool) {
	var visit func(n *Node, depth int)
	visit = func(n *Node, depth int) {
		if !fn(n, depth) {
			return
		}
		for _, c := range n.Children() {
			visit(c, depth+1)
		}
	}

	visit(m.local, 0)
	for _, r := range m.RemoteNodes() {
		visit(r, 0)
	}
}

// CountOperations returns the number of Operation leaves in the tree.
func (m *Manager) CountOperations() int {
	count := 0
	m.Walk(func(n *Node, _ int) bool {
		if n.kind == NodeKindOperation {
			count++
		}
		return true
	})
	return count
}
