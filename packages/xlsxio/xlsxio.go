// Package xlsxio moves workbooks between .xlsx files and documents.
package xlsxio

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.alis.build/alog"
	"golang.org/x/sync/errgroup"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// Load reads the workbook at path into doc in a single transaction and
// returns the committed changes. Every sheet becomes a worksheet, formula
// cells become formula code cells and the rest become plain values.
func Load(ctx context.Context, doc *spreadsheet.Document, path string) (*spreadsheet.ChangeSet, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return load(ctx, doc, f)
}

// Read is Load for an already open stream.
func Read(ctx context.Context, doc *spreadsheet.Document, r io.Reader) (*spreadsheet.ChangeSet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()
	return load(ctx, doc, f)
}

func load(ctx context.Context, doc *spreadsheet.Document, f *excelize.File) (*spreadsheet.ChangeSet, error) {
	sheets := f.GetSheetList()
	ids := make(map[string]uint32, len(sheets))
	// worksheets first, so formulas can reference sheets defined later in
	// the workbook
	for _, sheet := range sheets {
		id, ok := doc.WorksheetID(sheet)
		if !ok {
			var err error
			if id, err = doc.AddWorksheet(sheet); err != nil {
				return nil, err
			}
		}
		ids[sheet] = id
	}

	return doc.Update(ctx, func(tx *spreadsheet.Transaction) error {
		cells := 0
		for _, sheet := range sheets {
			n, err := loadSheet(ctx, tx, f, sheet, ids[sheet])
			if err != nil {
				return fmt.Errorf("sheet %s: %w", sheet, err)
			}
			cells += n
		}
		alog.Debugf(ctx, "loaded %d cells from %d sheets", cells, len(sheets))
		return nil
	})
}

func loadSheet(ctx context.Context, tx *spreadsheet.Transaction, f *excelize.File, sheet string, id uint32) (int, error) {
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return 0, err
	}

	// GetRows keeps a formula cell even when it has no cached value, so the
	// occupied cells of each row are all that needs a formula lookup
	n := 0
	for r, row := range rows {
		for c, raw := range row {
			name, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return n, err
			}
			addr := spreadsheet.CellAddress{WorksheetID: id, Row: uint32(r), Column: uint32(c)}
			loaded, err := loadCell(ctx, tx, f, sheet, name, addr, raw)
			if err != nil {
				return n, fmt.Errorf("%s: %w", name, err)
			}
			if loaded {
				n++
			}
		}
	}
	return n, nil
}

func loadCell(ctx context.Context, tx *spreadsheet.Transaction, f *excelize.File, sheet, name string, addr spreadsheet.CellAddress, raw string) (bool, error) {
	formula, err := f.GetCellFormula(sheet, name)
	if err != nil {
		return false, err
	}
	if formula != "" {
		return true, tx.SetCellCode(ctx, addr, spreadsheet.LanguageFormula, "="+formula)
	}
	if raw == "" {
		return false, nil
	}

	cellType, err := f.GetCellType(sheet, name)
	if err != nil {
		return false, err
	}
	return true, tx.SetCellValue(ctx, addr, typedValue(cellType, raw))
}

// typedValue converts a raw cell value into a primitive.
func typedValue(cellType excelize.CellType, raw string) spreadsheet.Primitive {
	switch cellType {
	case excelize.CellTypeBool:
		return raw == "1" || strings.EqualFold(raw, "true")
	case excelize.CellTypeError:
		if code, ok := spreadsheet.ParseErrorCode(raw); ok {
			return spreadsheet.NewSpreadsheetError(code, "")
		}
		return spreadsheet.NewSpreadsheetError(spreadsheet.ErrorCodeOther, raw)
	case excelize.CellTypeSharedString, excelize.CellTypeInlineString:
		return raw
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// Save writes the displayed values of every worksheet in doc to path.
// Formula cells also keep their formula. Spill members of a formula cell
// are left out, since reopening the workbook recomputes them and a cached
// copy would block the spill.
func Save(doc *spreadsheet.Document, path string) error {
	f, err := build(doc)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// Write is Save to a stream.
func Write(doc *spreadsheet.Document, w io.Writer) error {
	f, err := build(doc)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteTo(w)
	return err
}

func build(doc *spreadsheet.Document) (*excelize.File, error) {
	f := excelize.NewFile()
	ids := doc.Worksheets()
	if len(ids) == 0 {
		return f, nil
	}

	defaultSheet := f.GetSheetName(0)
	for i, id := range ids {
		name, _ := doc.WorksheetName(id)
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, name); err != nil {
				f.Close()
				return nil, err
			}
		} else if _, err := f.NewSheet(name); err != nil {
			f.Close()
			return nil, err
		}
		if err := saveSheet(doc, f, name, id); err != nil {
			f.Close()
			return nil, fmt.Errorf("sheet %s: %w", name, err)
		}
	}
	return f, nil
}

func saveSheet(doc *spreadsheet.Document, f *excelize.File, sheet string, id uint32) error {
	used, ok := doc.UsedRange(id)
	if !ok {
		return nil
	}
	cells, err := doc.GetRegion(used)
	if err != nil {
		return err
	}
	for _, cell := range cells {
		if cell.Kind == spreadsheet.CellKindSpill {
			if origin, ok := doc.Get(cell.Origin); ok && origin.Kind == spreadsheet.CellKindFormula {
				continue
			}
		}
		name, err := excelize.CoordinatesToCellName(int(cell.Address.Column)+1, int(cell.Address.Row)+1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, name, cellValue(cell.Value)); err != nil {
			return err
		}
		if cell.Kind == spreadsheet.CellKindFormula {
			formula := strings.TrimPrefix(strings.TrimSpace(cell.Source), "=")
			if err := f.SetCellFormula(sheet, name, formula); err != nil {
				return err
			}
		}
	}
	return nil
}

func cellValue(p spreadsheet.Primitive) any {
	if e, ok := p.(*spreadsheet.SpreadsheetError); ok {
		return e.Code()
	}
	return p
}

// LoadAll loads each workbook into its own document created by newDoc,
// at most parallelism at a time. The documents are returned in the order
// of paths.
func LoadAll(ctx context.Context, paths []string, newDoc func() *spreadsheet.Document, parallelism int) ([]*spreadsheet.Document, error) {
	docs := make([]*spreadsheet.Document, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, path := range paths {
		g.Go(func() error {
			doc := newDoc()
			if _, err := Load(ctx, doc, path); err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}
