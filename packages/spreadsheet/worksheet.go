package spreadsheet

import (
	"fmt"
	"slices"
)

// WorksheetTable manages worksheet storage and ID mappings
type WorksheetTable struct {
	nameToID   map[string]uint32     // name -> ID
	idToName   map[uint32]string     // ID -> name
	worksheets map[uint32]*Worksheet // ID -> storage
	nextID     uint32
}

// NewWorksheetTable creates a new worksheet table
func NewWorksheetTable() *WorksheetTable {
	return &WorksheetTable{
		nameToID:   make(map[string]uint32),
		idToName:   make(map[uint32]string),
		worksheets: make(map[uint32]*Worksheet),
		nextID:     1, // start at 1, reserve 0 for no worksheet
	}
}

// DefineWorksheet creates a worksheet. returns the ID of the worksheet.
func (wt *WorksheetTable) DefineWorksheet(name string) (uint32, error) {
	if name == "" {
		return 0, NewApplicationError(InvalidArgument, "worksheet name must not be empty")
	}
	if _, exists := wt.nameToID[name]; exists {
		return 0, NewApplicationError(AlreadyExists, fmt.Sprintf("worksheet %q already exists", name))
	}

	id := wt.nextID
	wt.nameToID[name] = id
	wt.idToName[id] = name
	wt.worksheets[id] = NewWorksheet(id)
	wt.nextID++
	return id, nil
}

// RenameWorksheet changes a worksheet's name. the ID, and so every stored
// address, is unaffected.
func (wt *WorksheetTable) RenameWorksheet(oldName, newName string) error {
	id, exists := wt.nameToID[oldName]
	if !exists {
		return NewApplicationError(NotFound, fmt.Sprintf("worksheet %q not found", oldName))
	}
	if oldName == newName {
		return nil
	}
	if _, exists := wt.nameToID[newName]; exists {
		return NewApplicationError(AlreadyExists, fmt.Sprintf("worksheet %q already exists", newName))
	}
	delete(wt.nameToID, oldName)
	wt.nameToID[newName] = id
	wt.idToName[id] = newName
	return nil
}

// GetWorksheet returns the Worksheet for a given ID
func (wt *WorksheetTable) GetWorksheet(id uint32) (*Worksheet, bool) {
	worksheet, exists := wt.worksheets[id]
	return worksheet, exists
}

// GetWorksheetID returns the ID for a worksheet name
func (wt *WorksheetTable) GetWorksheetID(name string) (uint32, bool) {
	id, exists := wt.nameToID[name]
	return id, exists
}

// GetWorksheetName returns the name for a worksheet ID
func (wt *WorksheetTable) GetWorksheetName(id uint32) (string, bool) {
	name, exists := wt.idToName[id]
	return name, exists
}

// IDs returns worksheet IDs in creation order.
func (wt *WorksheetTable) IDs() []uint32 {
	ids := make([]uint32, 0, len(wt.worksheets))
	for id := range wt.worksheets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of worksheets
func (wt *WorksheetTable) Count() int {
	return len(wt.worksheets)
}

// ChunkKey represents the key for indexing chunks in Worksheet
type ChunkKey struct {
	ChunkRow uint32
	ChunkCol uint32
}

const (
	ChunkRows uint32 = 256                   // rows per chunk - power of 2 for efficient modulo
	ChunkCols uint32 = 256                   // columns per chunk - matches typical viewport size
	ChunkSize        = ChunkRows * ChunkCols // 65536 cells per chunk
)

// Worksheet is sparse cell storage partitioned into 256x256 chunks, so a
// region lookup only touches the chunks it overlaps and memory is only
// spent on regions that hold cells.
type Worksheet struct {
	chunks      map[ChunkKey]*Chunk
	totalCells  int
	worksheetID uint32
}

// Chunk holds the occupied cells of one 256x256 region keyed by local
// index.
type Chunk struct {
	cells map[uint32]*Cell
}

// NewWorksheet creates a new worksheet
func NewWorksheet(worksheetID uint32) *Worksheet {
	return &Worksheet{
		chunks:      make(map[ChunkKey]*Chunk),
		worksheetID: worksheetID,
	}
}

// locate returns the chunk key and the column-first local index of a cell
func locate(row, col uint32) (ChunkKey, uint32) {
	key := ChunkKey{ChunkRow: row / ChunkRows, ChunkCol: col / ChunkCols}
	return key, (col%ChunkCols)*ChunkRows + row%ChunkRows
}

// GetCell retrieves the stored cell, nil when empty. callers must not
// mutate the result.
func (w *Worksheet) GetCell(row, col uint32) *Cell {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		return nil
	}
	return chunk.cells[idx]
}

// SetCell stores cell, taking ownership of it.
func (w *Worksheet) SetCell(row, col uint32, cell *Cell) {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		chunk = &Chunk{cells: make(map[uint32]*Cell)}
		w.chunks[key] = chunk
	}
	if _, occupied := chunk.cells[idx]; !occupied {
		w.totalCells++
	}
	chunk.cells[idx] = cell
}

// RemoveCell deletes a cell, dropping its chunk once empty. returns whether
// a cell was present.
func (w *Worksheet) RemoveCell(row, col uint32) bool {
	key, idx := locate(row, col)
	chunk, exists := w.chunks[key]
	if !exists {
		return false
	}
	if _, occupied := chunk.cells[idx]; !occupied {
		return false
	}
	delete(chunk.cells, idx)
	w.totalCells--
	if len(chunk.cells) == 0 {
		delete(w.chunks, key)
	}
	return true
}

// Region returns the occupied cells inside the bounds in row-major order.
func (w *Worksheet) Region(startRow, startCol, endRow, endCol uint32) []*Cell {
	var out []*Cell
	for key, chunk := range w.chunks {
		chunkTop, chunkLeft := key.ChunkRow*ChunkRows, key.ChunkCol*ChunkCols
		chunkBottom, chunkRight := chunkTop+ChunkRows-1, chunkLeft+ChunkCols-1
		if chunkBottom < startRow || chunkTop > endRow || chunkRight < startCol || chunkLeft > endCol {
			continue
		}

		top, left := max(chunkTop, startRow), max(chunkLeft, startCol)
		bottom, right := min(chunkBottom, endRow), min(chunkRight, endCol)
		area := uint64(bottom-top+1) * uint64(right-left+1)

		// look up coordinates one by one when the overlap is smaller than the chunk's
		// population, otherwise scan the population
		if area < uint64(len(chunk.cells)) {
			for row := top; row <= bottom; row++ {
				for col := left; col <= right; col++ {
					_, idx := locate(row, col)
					if cell, ok := chunk.cells[idx]; ok {
						out = append(out, cell)
					}
				}
			}
			continue
		}
		for _, cell := range chunk.cells {
			a := cell.Address
			if a.Row >= top && a.Row <= bottom && a.Column >= left && a.Column <= right {
				out = append(out, cell)
			}
		}
	}
	slices.SortFunc(out, func(a, b *Cell) int { return compareAddresses(a.Address, b.Address) })
	return out
}

// UsedRange returns the smallest range covering every stored cell.
func (w *Worksheet) UsedRange() (RangeAddress, bool) {
	if w.totalCells == 0 {
		return RangeAddress{}, false
	}
	first := true
	var r RangeAddress
	for _, chunk := range w.chunks {
		for _, cell := range chunk.cells {
			a := cell.Address
			if first {
				r = SingleCell(a)
				first = false
				continue
			}
			r.StartRow, r.EndRow = min(r.StartRow, a.Row), max(r.EndRow, a.Row)
			r.StartColumn, r.EndColumn = min(r.StartColumn, a.Column), max(r.EndColumn, a.Column)
		}
	}
	return r, true
}

// GetTotalCells returns the number of stored cells
func (w *Worksheet) GetTotalCells() int {
	return w.totalCells
}
