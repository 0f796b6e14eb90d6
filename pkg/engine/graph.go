package engine

import (
	"fmt"
	"strings"
)

// EdgeKind distinguishes how a dependency edge was derived.
type EdgeKind string

const (
	// EdgeDeclared is an edge from an explicit depends_on declaration.
	EdgeDeclared EdgeKind = "declared"

	// EdgeSharedResource is an edge implied by a shared resource reference.
	// Domains referencing a shared resource deploy after its first owner.
	EdgeSharedResource EdgeKind = "shared-resource"
)

// GraphNode is one domain in the dependency graph.
type GraphNode struct {
	// Name is the domain name.
	Name string `json:"name"`

	// Dependencies are the domains this node deploys after.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependents are the domains that deploy after this node.
	Dependents []string `json:"dependents,omitempty"`
}

// GraphEdge is one directed edge. From deploys before To.
type GraphEdge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// DependencyGraph is the validated, acyclic deployment graph for a portfolio.
type DependencyGraph struct {
	// Nodes maps domain name to its graph node.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges.
	Edges []GraphEdge `json:"edges"`

	// Order is a topological order: every domain appears after all of its
	// in-scope dependencies.
	Order []string `json:"order"`
}

// GraphBuilder builds a dependency graph from domain descriptors. It derives
// shared-resource coupling edges, validates dependencies, detects cycles, and
// computes a deterministic topological order.
type GraphBuilder struct {
	nodes map[string]*GraphNode
	edges []GraphEdge

	// input preserves descriptor order so traversal is deterministic.
	input []string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		nodes: make(map[string]*GraphNode),
		edges: make([]GraphEdge, 0),
	}
}

// Build constructs the dependency graph for the given descriptors.
// Dependencies naming domains outside the descriptor set are ignored; the
// graph only orders what is in scope. A cycle among in-scope domains is a
// fatal error reported before any deployment starts.
func (b *GraphBuilder) Build(domains []DomainDescriptor) (*DependencyGraph, error) {
	if err := b.index(domains); err != nil {
		return nil, err
	}
	b.addDeclaredEdges(domains)
	b.addSharedResourceEdges(domains)

	order, err := b.topologicalOrder()
	if err != nil {
		return nil, err
	}

	return &DependencyGraph{
		Nodes: b.nodes,
		Edges: b.edges,
		Order: order,
	}, nil
}

// index registers one node per descriptor and rejects duplicates.
func (b *GraphBuilder) index(domains []DomainDescriptor) error {
	for i := range domains {
		name := domains[i].Name
		if name == "" {
			return NewValidationError("domain descriptor has empty name", nil).
				WithCode(ErrCodePrerequisite)
		}
		if _, exists := b.nodes[name]; exists {
			return NewValidationError(fmt.Sprintf("duplicate domain: %s", name), nil).
				WithCode(ErrCodeDuplicateDomain).WithDomain(name)
		}
		b.nodes[name] = &GraphNode{
			Name:         name,
			Dependencies: make([]string, 0),
			Dependents:   make([]string, 0),
		}
		b.input = append(b.input, name)
	}
	return nil
}

// addDeclaredEdges adds edges from explicit depends_on declarations.
func (b *GraphBuilder) addDeclaredEdges(domains []DomainDescriptor) {
	for i := range domains {
		for _, dep := range domains[i].DependsOn {
			if _, inScope := b.nodes[dep]; !inScope {
				continue
			}
			b.addEdge(dep, domains[i].Name, EdgeDeclared)
		}
	}
}

// addSharedResourceEdges derives coupling edges from shared resource
// references. The first domain (in descriptor order) referencing a resource
// is its owner; every later domain referencing the same resource deploys
// after the owner.
func (b *GraphBuilder) addSharedResourceEdges(domains []DomainDescriptor) {
	owner := make(map[string]string)
	for i := range domains {
		name := domains[i].Name
		for _, resource := range sharedResourceRefs(&domains[i]) {
			first, seen := owner[resource]
			if !seen {
				owner[resource] = name
				continue
			}
			if first == name {
				continue
			}
			b.addEdge(first, name, EdgeSharedResource)
		}
	}
}

// sharedResourceRefs collects the shared resource names a descriptor
// references, both the explicit list and shared storage bindings.
func sharedResourceRefs(d *DomainDescriptor) []string {
	refs := make([]string, 0, len(d.SharedResources))
	seen := make(map[string]bool)
	for _, r := range d.SharedResources {
		if !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	}
	for _, sb := range d.Service.StorageBindings {
		if sb.Shared && !seen[sb.Instance] {
			seen[sb.Instance] = true
			refs = append(refs, sb.Instance)
		}
	}
	return refs
}

// addEdge records a From -> To edge, skipping exact duplicates.
func (b *GraphBuilder) addEdge(from, to string, kind EdgeKind) {
	for _, dep := range b.nodes[to].Dependencies {
		if dep == from {
			return
		}
	}
	b.nodes[to].Dependencies = append(b.nodes[to].Dependencies, from)
	b.nodes[from].Dependents = append(b.nodes[from].Dependents, to)
	b.edges = append(b.edges, GraphEdge{From: from, To: to, Kind: kind})
}

// topologicalOrder computes a deterministic dependencies-first order using
// depth-first traversal in descriptor order. A back edge means a cycle and
// aborts the build.
func (b *GraphBuilder) topologicalOrder() ([]string, error) {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	order := make([]string, 0, len(b.nodes))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		visited[name] = true
		inStack[name] = true
		path = append(path, name)

		for _, dep := range b.nodes[name].Dependencies {
			if inStack[dep] {
				return NewCycleError(
					fmt.Sprintf("dependency cycle detected: %s", formatCyclePath(path, dep)),
					nil,
				).WithDomain(dep)
			}
			if !visited[dep] {
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}

		inStack[name] = false
		order = append(order, name)
		return nil
	}

	for _, name := range b.input {
		if !visited[name] {
			if err := visit(name, nil); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// formatCyclePath renders the cycle portion of a DFS path for the error
// message, closing the loop on the repeated domain.
func formatCyclePath(path []string, repeat string) string {
	start := 0
	for i, name := range path {
		if name == repeat {
			start = i
			break
		}
	}
	return strings.Join(append(path[start:], repeat), " -> ")
}

// CreateDeploymentBatches splits a topological order into consecutive batches
// of at most parallelism domains, preserving order. n domains yield
// ceil(n/parallelism) batches.
func CreateDeploymentBatches(order []string, parallelism int) [][]string {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	if len(order) == 0 {
		return [][]string{}
	}

	batches := make([][]string, 0, (len(order)+parallelism-1)/parallelism)
	for start := 0; start < len(order); start += parallelism {
		end := start + parallelism
		if end > len(order) {
			end = len(order)
		}
		batch := make([]string, end-start)
		copy(batch, order[start:end])
		batches = append(batches, batch)
	}
	return batches
}

// ToDOT renders the graph in DOT format for Graphviz visualization.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DeploymentGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, name := range g.Order {
		sb.WriteString(fmt.Sprintf("  %q;\n", name))
	}
	sb.WriteString("\n")

	for _, edge := range g.Edges {
		style := "style=solid, color=black"
		if edge.Kind == EdgeSharedResource {
			style = "style=dashed, color=blue"
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", edge.From, edge.To, style))
	}

	sb.WriteString("}\n")
	return sb.String()
}
