package xlsxio

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/vogtb/go-spreadsheet/packages/formula"
	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

func newDocument() *spreadsheet.Document {
	return spreadsheet.NewDocument(spreadsheet.WithRunner(spreadsheet.LanguageFormula, formula.NewRunner()))
}

func at(sheet uint32, a1 string) spreadsheet.CellAddress {
	row, col, err := spreadsheet.ParseA1(a1)
	if err != nil {
		panic(err)
	}
	return spreadsheet.CellAddress{WorksheetID: sheet, Row: row, Column: col}
}

func TestLoadWorkbook(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", 2))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", 3.5))
	require.NoError(t, f.SetCellValue("Sheet1", "A3", "label"))
	require.NoError(t, f.SetCellValue("Sheet1", "A4", true))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", 0))
	require.NoError(t, f.SetCellFormula("Sheet1", "B1", "SUM(A1:A2)*Data!A1"))
	_, err := f.NewSheet("Data")
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Data", "A1", 10))

	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.SaveAs(path))

	doc := newDocument()
	changes, err := Load(context.Background(), doc, path)
	require.NoError(t, err)
	assert.Empty(t, changes.Diagnostics)

	sheet, ok := doc.WorksheetID("Sheet1")
	require.True(t, ok)
	_, ok = doc.WorksheetID("Data")
	require.True(t, ok)

	assert.Equal(t, 2.0, doc.Value(at(sheet, "A1")))
	assert.Equal(t, 3.5, doc.Value(at(sheet, "A2")))
	assert.Equal(t, "label", doc.Value(at(sheet, "A3")))
	assert.Equal(t, true, doc.Value(at(sheet, "A4")))

	b1, ok := doc.Get(at(sheet, "B1"))
	require.True(t, ok)
	assert.Equal(t, spreadsheet.CellKindFormula, b1.Kind)
	assert.Equal(t, "=SUM(A1:A2)*Data!A1", b1.Source)
	assert.Equal(t, 55.0, b1.Value)

	// one transaction, so one undo step clears the whole workbook
	assert.True(t, doc.CanUndo())
	_, err = doc.Undo(context.Background())
	require.NoError(t, err)
	assert.False(t, doc.CanUndo())
	assert.Nil(t, doc.Value(at(sheet, "A1")))
}

func TestLoadSparseSheet(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", 4))
	// formulas without a cached value, one far from everything else
	require.NoError(t, f.SetCellFormula("Sheet1", "C3", "A1+1"))
	require.NoError(t, f.SetCellFormula("Sheet1", "AB20000", "C3*2"))

	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	doc := newDocument()
	changes, err := Read(context.Background(), doc, &buf)
	require.NoError(t, err)
	assert.Empty(t, changes.Diagnostics)

	sheet, ok := doc.WorksheetID("Sheet1")
	require.True(t, ok)
	assert.Equal(t, 5.0, doc.Value(at(sheet, "C3")))
	assert.Equal(t, 10.0, doc.Value(at(sheet, "AB20000")))
	assert.ElementsMatch(t, []spreadsheet.CellAddress{
		at(sheet, "A1"), at(sheet, "C3"), at(sheet, "AB20000"),
	}, changes.Cells)
}

func TestSaveAndReload(t *testing.T) {
	ctx := context.Background()
	doc := newDocument()
	sheet, err := doc.AddWorksheet("Numbers")
	require.NoError(t, err)

	_, err = doc.Update(ctx, func(tx *spreadsheet.Transaction) error {
		require.NoError(t, tx.SetCellValue(ctx, at(sheet, "A1"), 4.0))
		require.NoError(t, tx.SetCellValue(ctx, at(sheet, "A2"), "four"))
		require.NoError(t, tx.SetCellCode(ctx, at(sheet, "B1"), spreadsheet.LanguageFormula, "=A1*2"))
		require.NoError(t, tx.SetCellCode(ctx, at(sheet, "C1"), spreadsheet.LanguageFormula, "=SEQUENCE(3)"))
		return tx.SetCellCode(ctx, at(sheet, "D1"), spreadsheet.LanguageFormula, "=1/0")
	})
	require.NoError(t, err)
	require.Equal(t, 3.0, doc.Value(at(sheet, "C3")))

	path := filepath.Join(t.TempDir(), "out.xlsx")
	require.NoError(t, Save(doc, path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Numbers"}, f.GetSheetList())
	formulaB1, err := f.GetCellFormula("Numbers", "B1")
	require.NoError(t, err)
	assert.Equal(t, "A1*2", formulaB1)
	spilled, err := f.GetCellValue("Numbers", "C2")
	require.NoError(t, err)
	assert.Empty(t, spilled, "spill members of formulas are recomputed, not stored")

	reloaded := newDocument()
	_, err = Load(ctx, reloaded, path)
	require.NoError(t, err)
	id, ok := reloaded.WorksheetID("Numbers")
	require.True(t, ok)

	assert.Equal(t, 4.0, reloaded.Value(at(id, "A1")))
	assert.Equal(t, "four", reloaded.Value(at(id, "A2")))
	assert.Equal(t, 8.0, reloaded.Value(at(id, "B1")))
	assert.Equal(t, 3.0, reloaded.Value(at(id, "C3")))
	require.IsType(t, &spreadsheet.SpreadsheetError{}, reloaded.Value(at(id, "D1")))
	assert.Equal(t, spreadsheet.ErrorCodeDiv0, reloaded.Value(at(id, "D1")).(*spreadsheet.SpreadsheetError).ErrorCode)
}

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	doc := newDocument()
	sheet, err := doc.AddWorksheet("Sheet1")
	require.NoError(t, err)
	_, err = doc.Update(ctx, func(tx *spreadsheet.Transaction) error {
		return tx.SetCellValue(ctx, at(sheet, "B2"), 7.0)
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(doc, &buf))

	reloaded := newDocument()
	_, err = Read(ctx, reloaded, &buf)
	require.NoError(t, err)
	id, ok := reloaded.WorksheetID("Sheet1")
	require.True(t, ok)
	assert.Equal(t, 7.0, reloaded.Value(at(id, "B2")))
}

func TestLoadAll(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, name := range []string{"one.xlsx", "two.xlsx", "three.xlsx"} {
		f := excelize.NewFile()
		require.NoError(t, f.SetCellValue("Sheet1", "A1", i+1))
		require.NoError(t, f.SetCellValue("Sheet1", "A2", 0))
		require.NoError(t, f.SetCellFormula("Sheet1", "A2", "A1*100"))
		path := filepath.Join(dir, name)
		require.NoError(t, f.SaveAs(path))
		require.NoError(t, f.Close())
		paths = append(paths, path)
	}

	docs, err := LoadAll(context.Background(), paths, newDocument, 2)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i, doc := range docs {
		id, ok := doc.WorksheetID("Sheet1")
		require.True(t, ok)
		assert.Equal(t, float64((i+1)*100), doc.Value(at(id, "A2")))
	}

	_, err = LoadAll(context.Background(), append(paths, filepath.Join(dir, "missing.xlsx")), newDocument, 2)
	assert.Error(t, err)
}

func TestTypedValue(t *testing.T) {
	assert.Equal(t, true, typedValue(excelize.CellTypeBool, "1"))
	assert.Equal(t, false, typedValue(excelize.CellTypeBool, "0"))
	assert.Equal(t, "007", typedValue(excelize.CellTypeSharedString, "007"))
	assert.Equal(t, 7.0, typedValue(excelize.CellTypeNumber, "7"))
	assert.Equal(t, 1.5, typedValue(excelize.CellTypeUnset, "1.5"))
	assert.Equal(t, "abc", typedValue(excelize.CellTypeUnset, "abc"))

	err, ok := typedValue(excelize.CellTypeError, "#N/A").(*spreadsheet.SpreadsheetError)
	require.True(t, ok)
	assert.Equal(t, spreadsheet.ErrorCodeNA, err.ErrorCode)
}
