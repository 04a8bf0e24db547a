package engine

// LocalStage declares work on the Local root.
type LocalStage struct {
	m *Manager
}

// OnLocal returns the stage for the Local root.
func (m *Manager) OnLocal() *LocalStage {
	return &LocalStage{m: m}
}

// Execute appends op to the Local root.
func (s *LocalStage) Execute(op Operation) error {
	_, err := s.m.AddOperation(s.m.local, op)
	return err
}

// RemoteStage declares work scoped to one server. A stage either points at
// the server's Remote root or at a Conditional beneath it.
//
// Errors are sticky: a failed OnlyIf returns a stage whose Execute and
// OnlyIf calls return the original error.
type RemoteStage struct {
	m      *Manager
	server *Server
	node   *Node
	err    error
}

// OnServer returns the stage for server's Remote root.
func (m *Manager) OnServer(server *Server) (*RemoteStage, error) {
	node, err := m.Remote(server)
	if err != nil {
		return nil, err
	}
	return &RemoteStage{m: m, server: node.server, node: node}, nil
}

// ToEachServer declares the same work for every server, in order.
// It stops at the first error returned by fn.
func (m *Manager) ToEachServer(servers []*Server, fn func(stage *RemoteStage) error) error {
	for _, srv := range servers {
		stage, err := m.OnServer(srv)
		if err != nil {
			return err
		}
		if err := fn(stage); err != nil {
			return err
		}
	}
	return nil
}

// Server returns the server this stage is scoped to.
func (s *RemoteStage) Server() *Server {
	return s.server
}

// Node returns the node new work is appended to.
func (s *RemoteStage) Node() *Node {
	return s.node
}

// Err returns the sticky error of the stage, if any.
func (s *RemoteStage) Err() error {
	return s.err
}

// Execute appends op to the stage's node.
func (s *RemoteStage) Execute(op Operation) error {
	if s.err != nil {
		return s.err
	}
	_, err := s.m.AddOperation(s.node, op)
	return err
}

// OnlyIf returns a stage whose work is gated on pred.
func (s *RemoteStage) OnlyIf(pred Predicate) *RemoteStage {
	if s.err != nil {
		return s
	}
	node, err := s.m.AddConditional(s.node, pred)
	if err != nil {
		return &RemoteStage{m: s.m, server: s.server, node: s.node, err: err}
	}
	return &RemoteStage{m: s.m, server: s.server, node: node}
}
