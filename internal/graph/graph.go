package graph

import (
	"fmt"
	"sort"
)

// PortRef addresses an output port of another node.
type PortRef struct {
	Node string
	Port string
}

func (r PortRef) String() string { return r.Node + "." + r.Port }

// Node is one processing step of a pipeline graph.
type Node struct {
	// ID is unique within the graph.
	ID string
	// Type is the capability class, e.g. "reader", "reconstructor", "writer".
	Type string
	// Params maps parameter names to typed values.
	Params map[string]Param
	// Inputs maps input-port names to upstream output ports.
	Inputs map[string][]PortRef
	// Outputs lists the declared output-port names.
	Outputs []string
	// PerJob names the parameters the template resolver may substitute
	// per work item (typically input/output file paths).
	PerJob []string
}

func (n *Node) clone() *Node {
	c := &Node{
		ID:      n.ID,
		Type:    n.Type,
		Params:  make(map[string]Param, len(n.Params)),
		Inputs:  make(map[string][]PortRef, len(n.Inputs)),
		Outputs: append([]string(nil), n.Outputs...),
		PerJob:  append([]string(nil), n.PerJob...),
	}
	for k, v := range n.Params {
		c.Params[k] = v
	}
	for port, refs := range n.Inputs {
		c.Inputs[port] = append([]PortRef(nil), refs...)
	}
	return c
}

func (n *Node) hasOutput(port string) bool {
	for _, o := range n.Outputs {
		if o == port {
			return true
		}
	}
	return false
}

// Graph is an immutable, validated pipeline graph. It is safe for concurrent
// read access; evolution happens only through the template resolver producing
// a fresh copy.
type Graph struct {
	nodes   map[string]*Node
	order   []string // node ids in dependency-respecting order
	globals map[string]Param
}

// New builds and validates a Graph from node declarations and a global
// parameter mapping. It rejects duplicate or empty ids, unresolvable input
// references, self references, cycles, dangling global references and
// per-job markers naming undeclared parameters. Validation failures are
// reported as *ValidationError naming the offending node and port.
func New(nodes []Node, globals map[string]Param) (*Graph, error) {
	g := &Graph{
		nodes:   make(map[string]*Node, len(nodes)),
		globals: make(map[string]Param, len(globals)),
	}
	for name, p := range globals {
		if p.IsZero() {
			return nil, &ValidationError{Reason: fmt.Sprintf("global %q has no value", name)}
		}
		if p.Kind() == KindGlobalRef {
			return nil, &ValidationError{Reason: fmt.Sprintf("global %q may not reference another global", name)}
		}
		g.globals[name] = p
	}

	for i := range nodes {
		n := nodes[i]
		if n.ID == "" {
			return nil, &ValidationError{Reason: "node id is required"}
		}
		if n.Type == "" {
			return nil, &ValidationError{Node: n.ID, Reason: "node type is required"}
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, &ValidationError{Node: n.ID, Reason: "duplicate node id"}
		}
		g.nodes[n.ID] = n.clone()
	}

	if err := g.validate(); err != nil {
		return nil, err
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

func (g *Graph) validate() error {
	for _, n := range g.nodes {
		for port, refs := range n.Inputs {
			for _, ref := range refs {
				if ref.Node == n.ID {
					return &ValidationError{Node: n.ID, Port: port, Reason: "node references itself"}
				}
				up, ok := g.nodes[ref.Node]
				if !ok {
					return &ValidationError{Node: n.ID, Port: port, Reason: fmt.Sprintf("input references unknown node %q", ref.Node)}
				}
				if !up.hasOutput(ref.Port) {
					return &ValidationError{Node: n.ID, Port: port, Reason: fmt.Sprintf("node %q declares no output port %q", ref.Node, ref.Port)}
				}
			}
		}
		for name, p := range n.Params {
			if p.IsZero() {
				return &ValidationError{Node: n.ID, Reason: fmt.Sprintf("parameter %q has no value", name)}
			}
			if p.Kind() == KindGlobalRef {
				if _, ok := g.globals[p.GlobalName()]; !ok {
					return &ValidationError{Node: n.ID, Reason: fmt.Sprintf("parameter %q references unknown global %q", name, p.GlobalName())}
				}
			}
		}
		for _, name := range n.PerJob {
			if _, ok := n.Params[name]; !ok {
				return &ValidationError{Node: n.ID, Reason: fmt.Sprintf("per-job marker names undeclared parameter %q", name)}
			}
		}
	}
	return g.detectCycles()
}

// detectCycles runs DFS with a recursion stack over the connection graph.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		onStack[id] = true
		for _, dep := range g.upstream(id) {
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				return &ValidationError{Node: id, Reason: fmt.Sprintf("connection cycle through %q", dep)}
			}
		}
		onStack[id] = false
		return nil
	}

	for _, id := range g.sortedIDs() {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort orders node ids with Kahn's algorithm. The ready queue is kept
// sorted so the order is deterministic for a given graph.
func (g *Graph) topoSort() ([]string, error) {
	indeg := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = 0
	}
	for id := range g.nodes {
		for _, dep := range g.upstream(id) {
			dependents[dep] = append(dependents[dep], id)
			indeg[id]++
		}
	}

	var queue []string
	for _, id := range g.sortedIDs() {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		deps := dependents[id]
		sort.Strings(deps)
		for _, d := range deps {
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, &ValidationError{Reason: "connection cycle detected"}
	}
	return order, nil
}

// upstream returns the deduplicated set of node ids this node reads from.
func (g *Graph) upstream(id string) []string {
	n := g.nodes[id]
	seen := make(map[string]bool)
	var out []string
	for _, refs := range n.Inputs {
		for _, ref := range refs {
			if !seen[ref.Node] {
				seen[ref.Node] = true
				out = append(out, ref.Node)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Nodes returns the nodes in a dependency-respecting order. Callers must
// treat the returned nodes as read-only.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Global resolves a global parameter by name.
func (g *Graph) Global(name string) (Param, bool) {
	p, ok := g.globals[name]
	return p, ok
}

// GlobalNames returns the declared global parameter names, sorted.
func (g *Graph) GlobalNames() []string {
	names := make([]string, 0, len(g.globals))
	for n := range g.globals {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveParam returns the effective value of a node parameter, following a
// global reference to its literal value.
func (g *Graph) ResolveParam(nodeID, name string) (Param, error) {
	n, ok := g.nodes[nodeID]
	if !ok {
		return Param{}, fmt.Errorf("unknown node %q", nodeID)
	}
	p, ok := n.Params[name]
	if !ok {
		return Param{}, fmt.Errorf("node %q has no parameter %q", nodeID, name)
	}
	if p.Kind() == KindGlobalRef {
		lit, ok := g.globals[p.GlobalName()]
		if !ok {
			return Param{}, fmt.Errorf("node %q parameter %q references unknown global %q", nodeID, name, p.GlobalName())
		}
		return lit, nil
	}
	return p, nil
}

// Clone returns a deep copy sharing no structure with the receiver.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes:   make(map[string]*Node, len(g.nodes)),
		order:   append([]string(nil), g.order...),
		globals: make(map[string]Param, len(g.globals)),
	}
	for id, n := range g.nodes {
		c.nodes[id] = n.clone()
	}
	for name, p := range g.globals {
		c.globals[name] = p
	}
	return c
}

// Spec returns deep copies of the node declarations (in topological order)
// and the global mapping. The template resolver rebuilds a fresh graph from
// an edited spec rather than mutating the receiver.
func (g *Graph) Spec() ([]Node, map[string]Param) {
	nodes := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, *g.nodes[id].clone())
	}
	globals := make(map[string]Param, len(g.globals))
	for name, p := range g.globals {
		globals[name] = p
	}
	return nodes, globals
}
