package graph

import (
	"sort"

	"github.com/artpar/dockyard/internal/core/compose"
)

// =============================================================================
// Graph
// =============================================================================

// Graph is a validated, immutable service graph.
// Adjacency is keyed by service name and computed once in New.
type Graph struct {
	project    string
	services   map[string]compose.Service
	names      []string
	dependents map[string][]string
	order      []string
	levels     [][]string
	volumes    []compose.Volume
	networks   []compose.Network
}

// New validates spec and builds a Graph from it.
// All validation errors are joined into the returned error.
func New(spec *compose.ParsedSpec) (*Graph, error) {
	if errs := Validate(spec); len(errs) > 0 {
		return nil, Join(errs)
	}

	g := &Graph{
		project:    spec.Name,
		services:   make(map[string]compose.Service, len(spec.Services)),
		names:      make([]string, 0, len(spec.Services)),
		dependents: make(map[string][]string),
		volumes:    append([]compose.Volume(nil), spec.Volumes...),
		networks:   append([]compose.Network(nil), spec.Networks...),
	}
	for _, svc := range spec.Services {
		g.services[svc.Name] = svc
		g.names = append(g.names, svc.Name)
		for _, dep := range svc.DependsOn {
			g.dependents[dep.Service] = append(g.dependents[dep.Service], svc.Name)
		}
	}
	sort.Strings(g.names)
	for name := range g.dependents {
		sort.Strings(g.dependents[name])
	}

	g.levels = computeLevels(g.names, g.services, g.dependents)
	for _, level := range g.levels {
		g.order = append(g.order, level...)
	}

	return g, nil
}

// computeLevels groups services with Kahn's algorithm.
// Level 0 has no dependencies; level n depends only on levels below n.
// Names inside a level are sorted.
func computeLevels(names []string, services map[string]compose.Service, dependents map[string][]string) [][]string {
	inDegree := make(map[string]int, len(names))
	for _, name := range names {
		inDegree[name] = len(services[name].DependsOn)
	}

	var current []string
	for _, name := range names {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	var levels [][]string
	for len(current) > 0 {
		levels = append(levels, current)
		var next []string
		for _, name := range current {
			for _, dep := range dependents[name] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
	return levels
}

// Project returns the project name the graph belongs to.
func (g *Graph) Project() string {
	return g.project
}

// Len returns the number of services.
func (g *Graph) Len() int {
	return len(g.names)
}

// Names returns all service names, sorted.
func (g *Graph) Names() []string {
	return append([]string(nil), g.names...)
}

// Service returns the spec for name.
func (g *Graph) Service(name string) (compose.Service, bool) {
	svc, ok := g.services[name]
	return svc, ok
}

// Volumes returns the declared named volumes.
func (g *Graph) Volumes() []compose.Volume {
	return append([]compose.Volume(nil), g.volumes...)
}

// Networks returns the declared networks.
func (g *Graph) Networks() []compose.Network {
	return append([]compose.Network(nil), g.networks...)
}

// Dependencies returns the outgoing edges of name.
func (g *Graph) Dependencies(name string) []compose.Dependency {
	return append([]compose.Dependency(nil), g.services[name].DependsOn...)
}

// Dependents returns the services that depend directly on name.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// TransitiveDependents returns every service that depends on name, directly
// or through other services, in start order.
func (g *Graph) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[name]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, g.dependents[n]...)
	}

	result := make([]string, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			result = append(result, n)
		}
	}
	return result
}

// StartOrder returns a topological order: every service after its dependencies.
func (g *Graph) StartOrder() []string {
	return append([]string(nil), g.order...)
}

// Levels returns the start order grouped into levels that may start concurrently.
func (g *Graph) Levels() [][]string {
	levels := make([][]string, len(g.levels))
	for i, l := range g.levels {
		levels[i] = append([]string(nil), l...)
	}
	return levels
}

// TeardownOrder returns the reverse of StartOrder: dependents before dependencies.
func (g *Graph) TeardownOrder() []string {
	order := make([]string, len(g.order))
	for i, name := range g.order {
		order[len(g.order)-1-i] = name
	}
	return order
}

// Subset returns the named services plus everything they depend on, in start order.
// Unknown names are ignored.
func (g *Graph) Subset(names ...string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(n string) {
		svc, ok := g.services[n]
		if !ok || seen[n] {
			return
		}
		seen[n] = true
		for _, d := range svc.DependsOn {
			visit(d.Service)
		}
	}
	for _, n := range names {
		visit(n)
	}

	result := make([]string, 0, len(seen))
	for _, n := range g.order {
		if seen[n] {
			result = append(result, n)
		}
	}
	return result
}
