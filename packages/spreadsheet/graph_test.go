package spreadsheet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func cell(row, col uint32) CellAddress {
	return CellAddress{WorksheetID: 1, Row: row, Column: col}
}

func TestGraphSetDependencies(t *testing.T) {
	ctx := context.Background()
	dg := NewDependencyGraph()
	a1, a2, b1 := cell(0, 0), cell(1, 0), cell(0, 1)

	assert.False(t, dg.SetDependencies(ctx, b1, NewAccessSet(a1, a2)))
	assert.Equal(t, []CellAddress{b1}, dg.GetDependents(a1))
	assert.Equal(t, []CellAddress{b1}, dg.GetDependents(a2))
	assert.Equal(t, []CellAddress{a1, a2}, dg.Dependencies(b1).Cells())

	// replacing the edge set drops the old edges
	dg.SetDependencies(ctx, b1, NewAccessSet(a2))
	assert.Empty(t, dg.GetDependents(a1))
	assert.Equal(t, []CellAddress{b1}, dg.GetDependents(a2))

	dg.SetDependencies(ctx, b1, nil)
	assert.Empty(t, dg.GetDependents(a2))
	assert.Equal(t, 0, dg.NodeCount(), "nodes without edges are removed")
}

func TestGraphRangeDependencies(t *testing.T) {
	ctx := context.Background()
	dg := NewDependencyGraph()
	sum := cell(0, 5)
	column := NewRangeAddress(1, 0, 0, 999, 0)

	deps := NewAccessSet()
	deps.AddRange(column)
	dg.SetDependencies(ctx, sum, deps)

	assert.Equal(t, []CellAddress{sum}, dg.GetDependents(cell(500, 0)))
	assert.Empty(t, dg.GetDependents(cell(1000, 0)))
	assert.Equal(t, 1, dg.RangeObserverCount())
	assert.Equal(t, []RangeAddress{column}, dg.Dependencies(sum).Ranges())

	dg.SetDependencies(ctx, sum, NewAccessSet())
	assert.Equal(t, 0, dg.RangeObserverCount())
}

func TestGraphSelfReference(t *testing.T) {
	ctx := context.Background()
	dg := NewDependencyGraph()
	a1, a2 := cell(0, 0), cell(1, 0)

	assert.True(t, dg.SetDependencies(ctx, a1, NewAccessSet(a1, a2)))
	assert.Equal(t, []CellAddress{a2}, dg.Dependencies(a1).Cells(), "the exact self edge is dropped")
	assert.Empty(t, dg.GetDependents(a1))

	covering := NewAccessSet()
	covering.AddRange(NewRangeAddress(1, 0, 0, 5, 0))
	assert.True(t, dg.SetDependencies(ctx, a1, covering))
	assert.Empty(t, dg.GetDependents(a1), "a cell is never its own dependent")
	assert.Equal(t, []CellAddress{a1}, dg.GetDependents(a2))
}

func TestGraphTransitiveDependents(t *testing.T) {
	ctx := context.Background()
	dg := NewDependencyGraph()
	a, b, c, d := cell(0, 0), cell(1, 0), cell(2, 0), cell(3, 0)

	dg.SetDependencies(ctx, b, NewAccessSet(a))
	dg.SetDependencies(ctx, c, NewAccessSet(b))
	dg.SetDependencies(ctx, d, NewAccessSet(a, c))

	assert.ElementsMatch(t, []CellAddress{b, c, d}, dg.GetAllDependents(a))
	assert.Equal(t, []CellAddress{d}, dg.GetAllDependents(c))
}

func TestGraphCycles(t *testing.T) {
	ctx := context.Background()
	dg := NewDependencyGraph()
	a, b, c, d := cell(0, 0), cell(0, 1), cell(0, 2), cell(0, 3)

	// a <-> b, c reads b, d stands alone
	dg.SetDependencies(ctx, a, NewAccessSet(b))
	dg.SetDependencies(ctx, b, NewAccessSet(a))
	dg.SetDependencies(ctx, c, NewAccessSet(b))

	assert.Equal(t, [][]CellAddress{{a, b}}, dg.Cycles([]CellAddress{c, a, d}, nil))
	assert.Empty(t, dg.Cycles([]CellAddress{c, d}, nil))

	// an implicit edge from c to d, and d reading c, closes a second cycle
	dg.SetDependencies(ctx, d, NewAccessSet(c))
	successors := func(addr CellAddress) []CellAddress {
		if addr == d {
			return []CellAddress{c}
		}
		return nil
	}
	assert.Equal(t, [][]CellAddress{{a, b}, {c, d}}, dg.Cycles([]CellAddress{a, c}, successors))
}

func TestGraphTopologicalOrder(t *testing.T) {
	ctx := context.Background()
	dg := NewDependencyGraph()
	a, b, c, d, e := cell(0, 0), cell(1, 0), cell(2, 0), cell(3, 0), cell(4, 0)

	// a reads b reads c reads d; e reads a and d
	dg.SetDependencies(ctx, a, NewAccessSet(b))
	dg.SetDependencies(ctx, b, NewAccessSet(c))
	dg.SetDependencies(ctx, c, NewAccessSet(d))
	dg.SetDependencies(ctx, e, NewAccessSet(a, d))

	order := dg.TopologicalOrder([]CellAddress{a, c, d}, nil)
	assert.ElementsMatch(t, []CellAddress{a, b, c, d, e}, order)
	pos := make(map[CellAddress]int)
	for i, addr := range order {
		pos[addr] = i
	}
	assert.Less(t, pos[d], pos[c])
	assert.Less(t, pos[c], pos[b])
	assert.Less(t, pos[b], pos[a])
	assert.Less(t, pos[a], pos[e])

	// extra edges are followed too
	f := cell(0, 5)
	successors := func(addr CellAddress) []CellAddress {
		if addr == e {
			return []CellAddress{f}
		}
		return nil
	}
	order = dg.TopologicalOrder([]CellAddress{a}, successors)
	assert.Equal(t, []CellAddress{a, e, f}, order)
}

func TestGraphRemoveCell(t *testing.T) {
	ctx := context.Background()
	dg := NewDependencyGraph()
	a, b, c := cell(0, 0), cell(1, 0), cell(2, 0)
	dg.SetDependencies(ctx, b, NewAccessSet(a))
	dg.SetDependencies(ctx, c, NewAccessSet(b))
	dg.SetVolatile(b, true)

	dg.RemoveCell(b)
	assert.Empty(t, dg.GetDependents(a))
	assert.Empty(t, dg.GetDependents(b))
	assert.False(t, dg.IsVolatile(b))
	assert.Equal(t, 0, dg.NodeCount())
}

func TestGraphVolatile(t *testing.T) {
	dg := NewDependencyGraph()
	dg.SetVolatile(cell(5, 0), true)
	dg.SetVolatile(cell(1, 0), true)
	dg.SetVolatile(cell(3, 0), true)
	dg.SetVolatile(cell(3, 0), false)

	assert.True(t, dg.IsVolatile(cell(1, 0)))
	assert.Equal(t, []CellAddress{cell(1, 0), cell(5, 0)}, dg.GetVolatileCells())
}

func TestGraphRestore(t *testing.T) {
	ctx := context.Background()
	dg := NewDependencyGraph()
	a, b := cell(0, 0), cell(1, 0)
	dg.SetDependencies(ctx, b, NewAccessSet(a))
	saved := dg.Dependencies(b)

	dg.SetDependencies(ctx, b, nil)
	dg.restore(b, saved)
	assert.Equal(t, []CellAddress{b}, dg.GetDependents(a))
}
