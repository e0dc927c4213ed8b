package spreadsheet

import (
	"cmp"
	"fmt"
	"iter"
	"slices"

	"go.alis.build/utils/sets"
)

// RangeAddress represents a range of cells within a single worksheet. Bounds
// are inclusive.
type RangeAddress struct {
	WorksheetID uint32
	StartRow    uint32
	StartColumn uint32
	EndRow      uint32
	EndColumn   uint32
}

// NewRangeAddress returns the range spanned by two corners, in any order.
func NewRangeAddress(worksheetID, row1, col1, row2, col2 uint32) RangeAddress {
	return RangeAddress{
		WorksheetID: worksheetID,
		StartRow:    min(row1, row2),
		StartColumn: min(col1, col2),
		EndRow:      max(row1, row2),
		EndColumn:   max(col1, col2),
	}
}

// SingleCell returns the 1x1 range covering addr.
func SingleCell(addr CellAddress) RangeAddress {
	return RangeAddress{
		WorksheetID: addr.WorksheetID,
		StartRow:    addr.Row,
		StartColumn: addr.Column,
		EndRow:      addr.Row,
		EndColumn:   addr.Column,
	}
}

// Contains checks if a cell is within the range
func (r RangeAddress) Contains(addr CellAddress) bool {
	return addr.WorksheetID == r.WorksheetID &&
		addr.Row >= r.StartRow && addr.Row <= r.EndRow &&
		addr.Column >= r.StartColumn && addr.Column <= r.EndColumn
}

// Intersects reports whether the two ranges share at least one cell.
func (r RangeAddress) Intersects(o RangeAddress) bool {
	return r.WorksheetID == o.WorksheetID &&
		r.StartRow <= o.EndRow && o.StartRow <= r.EndRow &&
		r.StartColumn <= o.EndColumn && o.StartColumn <= r.EndColumn
}

func (r RangeAddress) Rows() uint32    { return r.EndRow - r.StartRow + 1 }
func (r RangeAddress) Columns() uint32 { return r.EndColumn - r.StartColumn + 1 }

// Size returns the number of cells in the range.
func (r RangeAddress) Size() uint64 {
	return uint64(r.Rows()) * uint64(r.Columns())
}

func (r RangeAddress) IsSingleCell() bool {
	return r.StartRow == r.EndRow && r.StartColumn == r.EndColumn
}

func (r RangeAddress) TopLeft() CellAddress {
	return CellAddress{WorksheetID: r.WorksheetID, Row: r.StartRow, Column: r.StartColumn}
}

// Cells iterates the addresses in row-major order.
func (r RangeAddress) Cells() iter.Seq[CellAddress] {
	return func(yield func(CellAddress) bool) {
		for row := r.StartRow; row <= r.EndRow; row++ {
			for col := r.StartColumn; col <= r.EndColumn; col++ {
				if !yield(CellAddress{WorksheetID: r.WorksheetID, Row: row, Column: col}) {
					return
				}
			}
		}
	}
}

// A1 returns the range in A1 notation without a worksheet prefix.
func (r RangeAddress) A1() string {
	start := CellAddress{Row: r.StartRow, Column: r.StartColumn}.A1()
	if r.IsSingleCell() {
		return start
	}
	return start + ":" + CellAddress{Row: r.EndRow, Column: r.EndColumn}.A1()
}

func (r RangeAddress) String() string {
	return fmt.Sprintf("%d!%s", r.WorksheetID, r.A1())
}

func compareAddresses(a, b CellAddress) int {
	if c := cmp.Compare(a.WorksheetID, b.WorksheetID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	return cmp.Compare(a.Column, b.Column)
}

func compareRanges(a, b RangeAddress) int {
	if c := compareAddresses(a.TopLeft(), b.TopLeft()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.EndRow, b.EndRow); c != 0 {
		return c
	}
	return cmp.Compare(a.EndColumn, b.EndColumn)
}

// SortAddresses sorts by worksheet, then row, then column.
func SortAddresses(addrs []CellAddress) {
	slices.SortFunc(addrs, compareAddresses)
}

// AccessSet is the set of cells and ranges a code cell read during one
// execution. Single cells are kept apart from multi-cell ranges so that a
// read of A1:A100000 stays one entry. A nil *AccessSet is empty.
type AccessSet struct {
	cells  *sets.Set[CellAddress]
	ranges *sets.Set[RangeAddress]
}

func NewAccessSet(cells ...CellAddress) *AccessSet {
	return &AccessSet{
		cells:  sets.NewSet(cells...),
		ranges: sets.NewSet[RangeAddress](),
	}
}

func (s *AccessSet) AddCell(addr CellAddress) {
	s.cells.Add(addr)
}

// AddRange records a range read, collapsing 1x1 ranges to cells.
func (s *AccessSet) AddRange(r RangeAddress) {
	if r.IsSingleCell() {
		s.cells.Add(r.TopLeft())
		return
	}
	s.ranges.Add(r)
}

// Merge adds every entry of o to s.
func (s *AccessSet) Merge(o *AccessSet) {
	if o == nil {
		return
	}
	for _, c := range o.cells.Values() {
		s.cells.Add(c)
	}
	for _, r := range o.ranges.Values() {
		s.ranges.Add(r)
	}
}

// Contains reports whether addr was read, directly or through a range.
func (s *AccessSet) Contains(addr CellAddress) bool {
	if s == nil {
		return false
	}
	if s.cells.Contains(addr) {
		return true
	}
	for _, r := range s.ranges.Values() {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Cells returns the single-cell reads in sorted order.
func (s *AccessSet) Cells() []CellAddress {
	if s == nil {
		return nil
	}
	cells := s.cells.Values()
	SortAddresses(cells)
	return cells
}

// Ranges returns the multi-cell reads in sorted order.
func (s *AccessSet) Ranges() []RangeAddress {
	if s == nil {
		return nil
	}
	ranges := s.ranges.Values()
	slices.SortFunc(ranges, compareRanges)
	return ranges
}

// Len returns the number of entries, counting each range once.
func (s *AccessSet) Len() int {
	if s == nil {
		return 0
	}
	return s.cells.Len() + s.ranges.Len()
}

func (s *AccessSet) Clone() *AccessSet {
	clone := NewAccessSet()
	clone.Merge(s)
	return clone
}

// without returns a copy of s minus the single-cell entry addr.
func (s *AccessSet) without(addr CellAddress) *AccessSet {
	clone := s.Clone()
	clone.cells.Remove(addr)
	return clone
}
