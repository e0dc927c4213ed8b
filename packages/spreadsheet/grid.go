package spreadsheet

import (
	"fmt"
	"sync"
	"time"
)

// Grid is the Grid Store: cell values and metadata indexed by worksheet and
// coordinate. It validates coordinates and nothing else.
type Grid struct {
	mu         sync.RWMutex
	worksheets *WorksheetTable
	maxRows    uint32
	maxColumns uint32
	now        func() time.Time

	// code cells waiting on a blocked spill area
	blocked map[CellAddress]RangeAddress
}

// NewGrid creates an empty grid with default bounds.
func NewGrid() *Grid {
	return &Grid{
		worksheets: NewWorksheetTable(),
		maxRows:    DefaultMaxRows,
		maxColumns: DefaultMaxColumns,
		now:        time.Now,
		blocked:    make(map[CellAddress]RangeAddress),
	}
}

// AddWorksheet defines a new worksheet and returns its ID.
func (g *Grid) AddWorksheet(name string) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.worksheets.DefineWorksheet(name)
}

func (g *Grid) RenameWorksheet(oldName, newName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.worksheets.RenameWorksheet(oldName, newName)
}

func (g *Grid) WorksheetID(name string) (uint32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.worksheets.GetWorksheetID(name)
}

func (g *Grid) WorksheetName(id uint32) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.worksheets.GetWorksheetName(id)
}

// Worksheets returns worksheet IDs in creation order.
func (g *Grid) Worksheets() []uint32 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.worksheets.IDs()
}

// CheckBounds validates that addr names a cell of a defined worksheet.
func (g *Grid) CheckBounds(addr CellAddress) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := g.worksheetFor(addr)
	return err
}

func (g *Grid) checkRange(r RangeAddress) bool {
	return r.EndRow < g.maxRows && r.EndColumn < g.maxColumns
}

// worksheetFor requires g.mu to be held.
func (g *Grid) worksheetFor(addr CellAddress) (*Worksheet, error) {
	ws, ok := g.worksheets.GetWorksheet(addr.WorksheetID)
	if !ok {
		return nil, NewApplicationError(NotFound, fmt.Sprintf("worksheet %d not found", addr.WorksheetID))
	}
	if addr.Row >= g.maxRows || addr.Column >= g.maxColumns {
		return nil, NewApplicationError(OutOfRange, fmt.Sprintf("cell %s is outside the grid", addr))
	}
	return ws, nil
}

// Get returns a copy of the cell at addr.
func (g *Grid) Get(addr CellAddress) (*Cell, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ws, ok := g.worksheets.GetWorksheet(addr.WorksheetID)
	if !ok {
		return nil, false
	}
	cell := ws.GetCell(addr.Row, addr.Column)
	if cell == nil {
		return nil, false
	}
	return cell.Clone(), true
}

// Value returns the displayed value at addr, nil for empty cells.
func (g *Grid) Value(addr CellAddress) Primitive {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ws, ok := g.worksheets.GetWorksheet(addr.WorksheetID)
	if !ok {
		return nil
	}
	if cell := ws.GetCell(addr.Row, addr.Column); cell != nil {
		return cell.Value
	}
	return nil
}

// Set stores a copy of cell at addr and stamps LastModified. A blank plain
// cell is stored as an absence.
func (g *Grid) Set(addr CellAddress, cell *Cell) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ws, err := g.worksheetFor(addr)
	if err != nil {
		return err
	}
	if cell.IsBlank() {
		ws.RemoveCell(addr.Row, addr.Column)
		g.indexBlocked(addr, nil)
		return nil
	}
	stored := cell.Clone()
	stored.Address = addr
	stored.LastModified = g.now()
	ws.SetCell(addr.Row, addr.Column, stored)
	g.indexBlocked(addr, stored)
	return nil
}

// Clear removes the cell at addr.
func (g *Grid) Clear(addr CellAddress) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ws, err := g.worksheetFor(addr)
	if err != nil {
		return err
	}
	ws.RemoveCell(addr.Row, addr.Column)
	g.indexBlocked(addr, nil)
	return nil
}

// restore puts a snapshot back verbatim, keeping its LastModified. nil
// clears the cell.
func (g *Grid) restore(addr CellAddress, snapshot *Cell) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ws, ok := g.worksheets.GetWorksheet(addr.WorksheetID)
	if !ok {
		return
	}
	g.indexBlocked(addr, snapshot)
	if snapshot == nil {
		ws.RemoveCell(addr.Row, addr.Column)
		return
	}
	ws.SetCell(addr.Row, addr.Column, snapshot.Clone())
}

// indexBlocked requires g.mu to be held.
func (g *Grid) indexBlocked(addr CellAddress, cell *Cell) {
	if cell == nil || cell.Blocked == nil {
		delete(g.blocked, addr)
		return
	}
	g.blocked[addr] = *cell.Blocked
}

// BlockedOn returns, sorted, the code cells whose output is blocked and
// would cover addr.
func (g *Grid) BlockedOn(addr CellAddress) []CellAddress {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var origins []CellAddress
	for origin, r := range g.blocked {
		if origin != addr && r.Contains(addr) {
			origins = append(origins, origin)
		}
	}
	SortAddresses(origins)
	return origins
}

// GetRegion returns copies of the occupied cells in r, row-major.
func (g *Grid) GetRegion(r RangeAddress) ([]*Cell, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ws, err := g.worksheetFor(r.TopLeft())
	if err != nil {
		return nil, err
	}
	if !g.checkRange(r) {
		return nil, NewApplicationError(OutOfRange, fmt.Sprintf("range %s is outside the grid", r))
	}
	cells := ws.Region(r.StartRow, r.StartColumn, r.EndRow, r.EndColumn)
	for i, c := range cells {
		cells[i] = c.Clone()
	}
	return cells, nil
}

// Values returns the displayed values of r as a dense rows x columns
// matrix. empty cells are nil.
func (g *Grid) Values(r RangeAddress) ([][]Primitive, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ws, err := g.worksheetFor(r.TopLeft())
	if err != nil {
		return nil, err
	}
	if !g.checkRange(r) {
		return nil, NewApplicationError(OutOfRange, fmt.Sprintf("range %s is outside the grid", r))
	}
	if r.Size() > uint64(ChunkSize)*16 {
		return nil, NewApplicationError(ResourceExhausted, fmt.Sprintf("range %s is too large to read", r))
	}
	values := make([][]Primitive, r.Rows())
	for i := range values {
		values[i] = make([]Primitive, r.Columns())
	}
	for _, c := range ws.Region(r.StartRow, r.StartColumn, r.EndRow, r.EndColumn) {
		values[c.Address.Row-r.StartRow][c.Address.Column-r.StartColumn] = c.Value
	}
	return values, nil
}

// UsedRange returns the bounding range of the stored cells of a worksheet.
func (g *Grid) UsedRange(worksheetID uint32) (RangeAddress, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ws, ok := g.worksheets.GetWorksheet(worksheetID)
	if !ok {
		return RangeAddress{}, false
	}
	r, ok := ws.UsedRange()
	r.WorksheetID = worksheetID
	return r, ok
}

// CellCount returns the number of stored cells across all worksheets.
func (g *Grid) CellCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0
	for _, id := range g.worksheets.IDs() {
		ws, _ := g.worksheets.GetWorksheet(id)
		total += ws.GetTotalCells()
	}
	return total
}
