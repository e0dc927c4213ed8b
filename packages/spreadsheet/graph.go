package spreadsheet

import (
	"context"
	"slices"
	"sync"

	"go.alis.build/alog"
)

// DependencyNode represents a cell in the dependency graph
type DependencyNode struct {
	// address of *THIS* node
	Address CellAddress

	// cell-to-cell dependencies
	CellPrecedents map[CellAddress]struct{} // cells this cell reads
	CellDependents map[CellAddress]struct{} // cells that read this cell

	// multi-cell ranges this cell reads. the reverse direction lives in the
	// graph's rangeObservers so a large range stays one entry.
	RangePrecedents map[RangeAddress]struct{}
}

// DependencyGraph manages cell dependencies. Edges point from a reader to
// the cells and ranges its last execution accessed.
type DependencyGraph struct {
	mu             sync.RWMutex
	nodes          map[CellAddress]*DependencyNode           // all nodes in the graph
	rangeObservers map[RangeAddress]map[CellAddress]struct{} // range -> cells that depend on it
	volatileCells  map[CellAddress]struct{}                  // cells whose output changes on every run
}

// NewDependencyGraph creates a new dependency graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:          make(map[CellAddress]*DependencyNode),
		rangeObservers: make(map[RangeAddress]map[CellAddress]struct{}),
		volatileCells:  make(map[CellAddress]struct{}),
	}
}

// getOrCreateNode gets an existing node or creates a new one
func (dg *DependencyGraph) getOrCreateNode(addr CellAddress) *DependencyNode {
	if node, exists := dg.nodes[addr]; exists {
		return node
	}

	node := &DependencyNode{
		Address:         addr,
		CellPrecedents:  make(map[CellAddress]struct{}),
		CellDependents:  make(map[CellAddress]struct{}),
		RangePrecedents: make(map[RangeAddress]struct{}),
	}
	dg.nodes[addr] = node
	return node
}

// cleanupNodeIfEmpty removes a node once it has no edges left
func (dg *DependencyGraph) cleanupNodeIfEmpty(addr CellAddress) {
	node, exists := dg.nodes[addr]
	if !exists {
		return
	}
	if len(node.CellPrecedents) > 0 ||
		len(node.CellDependents) > 0 ||
		len(node.RangePrecedents) > 0 {
		return
	}
	delete(dg.nodes, addr)
}

// SetDependencies replaces every outgoing edge of addr with deps in one
// step. An exact self read is dropped and logged. Ranges covering addr are
// kept, since addr is never reported as its own dependent, but they are
// still a self reference. selfRef reports either case.
func (dg *DependencyGraph) SetDependencies(ctx context.Context, addr CellAddress, deps *AccessSet) (selfRef bool) {
	if deps.Contains(addr) {
		selfRef = true
		alog.Warnf(ctx, "dropping self reference of %s", addr)
		deps = deps.without(addr)
	}

	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.replace(addr, deps)
	return selfRef
}

// restore puts back an edge set captured by Dependencies.
func (dg *DependencyGraph) restore(addr CellAddress, deps *AccessSet) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.replace(addr, deps)
}

// replace requires dg.mu to be held.
func (dg *DependencyGraph) replace(addr CellAddress, deps *AccessSet) {
	dg.clearPrecedents(addr)
	if deps.Len() == 0 {
		dg.cleanupNodeIfEmpty(addr)
		return
	}

	node := dg.getOrCreateNode(addr)
	for _, precedent := range deps.Cells() {
		if precedent == addr {
			continue
		}
		node.CellPrecedents[precedent] = struct{}{}
		dg.getOrCreateNode(precedent).CellDependents[addr] = struct{}{}
	}
	for _, r := range deps.Ranges() {
		node.RangePrecedents[r] = struct{}{}
		if dg.rangeObservers[r] == nil {
			dg.rangeObservers[r] = make(map[CellAddress]struct{})
		}
		dg.rangeObservers[r][addr] = struct{}{}
	}
	dg.cleanupNodeIfEmpty(addr)
}

// clearPrecedents drops the outgoing edges of addr. requires dg.mu.
func (dg *DependencyGraph) clearPrecedents(addr CellAddress) {
	node, exists := dg.nodes[addr]
	if !exists {
		return
	}
	for precedent := range node.CellPrecedents {
		if precedentNode, ok := dg.nodes[precedent]; ok {
			delete(precedentNode.CellDependents, addr)
			dg.cleanupNodeIfEmpty(precedent)
		}
	}
	for r := range node.RangePrecedents {
		if observers, exists := dg.rangeObservers[r]; exists {
			delete(observers, addr)
			if len(observers) == 0 {
				delete(dg.rangeObservers, r)
			}
		}
	}
	clear(node.CellPrecedents)
	clear(node.RangePrecedents)
}

// Dependencies returns a copy of the outgoing edges of addr.
func (dg *DependencyGraph) Dependencies(addr CellAddress) *AccessSet {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	deps := NewAccessSet()
	node, exists := dg.nodes[addr]
	if !exists {
		return deps
	}
	for precedent := range node.CellPrecedents {
		deps.AddCell(precedent)
	}
	for r := range node.RangePrecedents {
		deps.AddRange(r)
	}
	return deps
}

// RemoveCell drops every edge where addr is the reader or the referenced
// cell, along with its volatile marking.
func (dg *DependencyGraph) RemoveCell(addr CellAddress) {
	dg.mu.Lock()
	defer dg.mu.Unlock()

	dg.clearPrecedents(addr)
	if node, exists := dg.nodes[addr]; exists {
		for dependent := range node.CellDependents {
			if dependentNode, ok := dg.nodes[dependent]; ok {
				delete(dependentNode.CellPrecedents, addr)
				dg.cleanupNodeIfEmpty(dependent)
			}
		}
		delete(dg.nodes, addr)
	}
	delete(dg.volatileCells, addr)
}

// GetDependents returns, sorted, every cell that reads addr directly or
// through a range. addr itself is never included.
func (dg *DependencyGraph) GetDependents(addr CellAddress) []CellAddress {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	return dg.dependents(addr)
}

// dependents requires dg.mu to be held.
func (dg *DependencyGraph) dependents(addr CellAddress) []CellAddress {
	seen := make(map[CellAddress]struct{})
	if node, exists := dg.nodes[addr]; exists {
		for dependent := range node.CellDependents {
			seen[dependent] = struct{}{}
		}
	}
	for r, observers := range dg.rangeObservers {
		if !r.Contains(addr) {
			continue
		}
		for observer := range observers {
			seen[observer] = struct{}{}
		}
	}
	delete(seen, addr)

	result := make([]CellAddress, 0, len(seen))
	for dependent := range seen {
		result = append(result, dependent)
	}
	SortAddresses(result)
	return result
}

// GetAllDependents returns all cells affected by a change to any of addrs
// (transitive closure), in breadth-first discovery order. the starting
// cells are only included when they are reachable from another one.
func (dg *DependencyGraph) GetAllDependents(addrs ...CellAddress) []CellAddress {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	visited := make(map[CellAddress]struct{})
	var result []CellAddress
	queue := slices.Clone(addrs)
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		for _, dependent := range dg.dependents(addr) {
			if _, alreadyVisited := visited[dependent]; alreadyVisited {
				continue
			}
			visited[dependent] = struct{}{}
			result = append(result, dependent)
			queue = append(queue, dependent)
		}
	}
	return result
}

// Cycles returns the strongly connected components with more than one
// member among the cells reachable from addrs. successors may add edges
// the graph does not store, e.g. from a code cell to the cells it spills
// into. components and their members are sorted.
func (dg *DependencyGraph) Cycles(addrs []CellAddress, successors func(CellAddress) []CellAddress) [][]CellAddress {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	next := func(addr CellAddress) []CellAddress { return dg.successors(addr, successors) }

	// tarjan's algorithm
	index := 0
	indices := make(map[CellAddress]int)
	lowlink := make(map[CellAddress]int)
	onStack := make(map[CellAddress]bool)
	var stack []CellAddress
	var components [][]CellAddress

	var strongConnect func(v CellAddress)
	strongConnect = func(v CellAddress) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range next(v) {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var component []CellAddress
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) > 1 {
				SortAddresses(component)
				components = append(components, component)
			}
		}
	}

	start := slices.Clone(addrs)
	SortAddresses(start)
	for _, addr := range start {
		if _, visited := indices[addr]; !visited {
			strongConnect(addr)
		}
	}
	slices.SortFunc(components, func(a, b []CellAddress) int { return compareAddresses(a[0], b[0]) })
	return components
}

// TopologicalOrder returns addrs and every cell reachable from them, each
// one ahead of the cells that read it. The cells reachable from addrs must
// not form a cycle; check with Cycles first.
func (dg *DependencyGraph) TopologicalOrder(addrs []CellAddress, successors func(CellAddress) []CellAddress) []CellAddress {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	visited := make(map[CellAddress]struct{})
	var order []CellAddress
	var visit func(v CellAddress)
	visit = func(v CellAddress) {
		visited[v] = struct{}{}
		for _, w := range dg.successors(v, successors) {
			if _, seen := visited[w]; !seen {
				visit(w)
			}
		}
		// post-order, reversed below
		order = append(order, v)
	}

	start := slices.Clone(addrs)
	SortAddresses(start)
	for _, addr := range start {
		if _, seen := visited[addr]; !seen {
			visit(addr)
		}
	}
	slices.Reverse(order)
	return order
}

// successors requires dg.mu to be held.
func (dg *DependencyGraph) successors(addr CellAddress, extra func(CellAddress) []CellAddress) []CellAddress {
	out := dg.dependents(addr)
	if extra != nil {
		out = append(out, extra(addr)...)
	}
	return out
}

// NodeCount returns the number of nodes in the graph
func (dg *DependencyGraph) NodeCount() int {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	return len(dg.nodes)
}

// RangeObserverCount returns the number of observed ranges
func (dg *DependencyGraph) RangeObserverCount() int {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	return len(dg.rangeObservers)
}

// SetVolatile marks or unmarks a cell as producing a new value on every
// execution.
func (dg *DependencyGraph) SetVolatile(addr CellAddress, volatile bool) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	if volatile {
		dg.volatileCells[addr] = struct{}{}
		return
	}
	delete(dg.volatileCells, addr)
}

// IsVolatile checks if a cell is marked volatile
func (dg *DependencyGraph) IsVolatile(addr CellAddress) bool {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	_, isVolatile := dg.volatileCells[addr]
	return isVolatile
}

// GetVolatileCells returns all cells marked as volatile, sorted
func (dg *DependencyGraph) GetVolatileCells() []CellAddress {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	result := make([]CellAddress, 0, len(dg.volatileCells))
	for addr := range dg.volatileCells {
		result = append(result, addr)
	}
	SortAddresses(result)
	return result
}
