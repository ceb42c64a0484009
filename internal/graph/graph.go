package graph

import (
	"fmt"
)

// Kind categorises resource nodes by the provider that emulates them.
type Kind string

const (
	KindUnknown      Kind = ""
	KindFunction     Kind = "function"
	KindGatewayV1    Kind = "api-gateway-v1"
	KindGatewayV2    Kind = "api-gateway-v2"
	KindKVTable      Kind = "kv-table"
	KindBucket       Kind = "object-bucket"
	KindQueue        Kind = "message-queue"
	KindTopic        Kind = "pubsub-topic"
	KindEventBus     Kind = "event-bus"
	KindEventRule    Kind = "event-rule"
	KindWorkflow     Kind = "workflow"
	KindIdentityPool Kind = "identity-pool"
	KindECSService   Kind = "ecs-service"
	KindEventSource  Kind = "event-source-mapping"
	KindFunctionURL  Kind = "function-url"
)

// Relation types an edge between two resources. The direction convention is
// "depends-on": the source depends on the target, so topological order emits
// targets (leaves) first.
type Relation string

const (
	RelationTriggers   Relation = "triggers"
	RelationDependsOn  Relation = "data-dependency"
	RelationReferences Relation = "references"
	RelationSubscribes Relation = "subscribes"
)

// ordering reports whether edges of this relation constrain startup order.
// Pure references do not: a stand-in value is synthesized when the target
// has not started yet.
func (r Relation) ordering() bool {
	switch r {
	case RelationDependsOn, RelationSubscribes, RelationTriggers:
		return true
	default:
		return false
	}
}

// Node is one declared resource. It is created during assembly parse and
// immutable afterwards.
type Node struct {
	ID         string
	Kind       Kind
	Properties map[string]interface{}
}

// Edge is an ordered (source, target) pair with a typed relation.
type Edge struct {
	Source   string
	Target   string
	Relation Relation
}

// Graph is the typed DAG of resources and their dependencies. It is not
// safe for concurrent mutation; after build it is read-only and may be
// shared freely.
type Graph struct {
	nodes   map[string]*Node
	order   []string // insertion order, for deterministic traversal
	edges   []Edge
	edgeSet map[Edge]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:   make(map[string]*Node),
		edgeSet: make(map[Edge]struct{}),
	}
}

// AddNode adds a resource node. Adding a duplicate logical ID is an error.
func (g *Graph) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("node has empty logical id")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("node %s already present", n.ID)
	}
	copied := n
	g.nodes[n.ID] = &copied
	g.order = append(g.order, n.ID)
	return nil
}

// AddEdge records that source depends on target. Both endpoints must exist;
// duplicate (source, target, relation) triples are rejected.
func (g *Graph) AddEdge(source, target string, relation Relation) error {
	if _, ok := g.nodes[source]; !ok {
		return fmt.Errorf("edge source %s not in graph", source)
	}
	if _, ok := g.nodes[target]; !ok {
		return fmt.Errorf("edge target %s not in graph", target)
	}
	e := Edge{Source: source, Target: target, Relation: relation}
	if _, dup := g.edgeSet[e]; dup {
		return fmt.Errorf("duplicate edge %s -> %s (%s)", source, target, relation)
	}
	g.edgeSet[e] = struct{}{}
	g.edges = append(g.edges, e)
	return nil
}

// Node returns the stored node or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns a copy of all edges.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// DependenciesOf returns the targets of all outgoing edges of id, in edge
// insertion order.
func (g *Graph) DependenciesOf(id string) []string {
	var deps []string
	for _, e := range g.edges {
		if e.Source == id {
			deps = append(deps, e.Target)
		}
	}
	return deps
}

// DependentsOf returns the sources of all incoming edges of id, in edge
// insertion order.
func (g *Graph) DependentsOf(id string) []string {
	var deps []string
	for _, e := range g.edges {
		if e.Target == id {
			deps = append(deps, e.Source)
		}
	}
	return deps
}

// TopologicalSort returns node IDs ordered so that for every ordering edge
// (a depends-on b), b appears before a: leaves (storage, producers) first,
// consumers last. Ties break by node insertion order so startup is
// deterministic. An error is returned if a cycle prevents a full ordering.
func (g *Graph) TopologicalSort() ([]string, error) {
	// Remaining count of unsatisfied dependencies per node.
	remaining := make(map[string]int, len(g.order))
	dependents := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		remaining[id] = 0
	}
	for _, e := range g.edges {
		if !e.Relation.ordering() {
			continue
		}
		if e.Source == e.Target {
			return nil, fmt.Errorf("self-dependency on %s", e.Source)
		}
		remaining[e.Source]++
		dependents[e.Target] = append(dependents[e.Target], e.Source)
	}

	var queue []string
	for _, id := range g.order {
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dep := range dependents[id] {
			remaining[dep]--
			if remaining[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.order) {
		return nil, fmt.Errorf("dependency cycle: ordered %d of %d nodes", len(sorted), len(g.order))
	}
	return sorted, nil
}

// DetectCycles returns every strongly connected component of size > 1 plus
// every self-loop, over ordering edges only. An empty result means the
// orchestrator may start.
func (g *Graph) DetectCycles() [][]string {
	adj := make(map[string][]string, len(g.order))
	selfLoops := make(map[string]bool)
	for _, e := range g.edges {
		if !e.Relation.ordering() {
			continue
		}
		if e.Source == e.Target {
			selfLoops[e.Source] = true
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	// Tarjan's strongly connected components.
	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var components [][]string

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if indices[w] < lowlink[v] {
					lowlink[v] = indices[w]
				}
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			if len(comp) > 1 {
				components = append(components, comp)
			}
		}
	}

	for _, id := range g.order {
		if _, seen := indices[id]; !seen {
			strongconnect(id)
		}
	}
	for _, id := range g.order {
		if selfLoops[id] {
			components = append(components, []string{id})
		}
	}
	return components
}
