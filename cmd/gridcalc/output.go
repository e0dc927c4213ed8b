package main

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// ExitError signals a non-zero exit code without printing an error message.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return "" }

func jsonPrint(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type cellReport struct {
	Address string `json:"address"`
	Kind    string `json:"kind,omitempty"`
	Source  string `json:"source,omitempty"`
	Value   string `json:"value"`
	Error   string `json:"error,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Line    int    `json:"line,omitempty"`
}

func formatValue(p spreadsheet.Primitive) string {
	switch v := p.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return v
	case *spreadsheet.SpreadsheetError:
		return v.Code()
	default:
		return ""
	}
}

func report(doc *spreadsheet.Document, cell *spreadsheet.Cell) cellReport {
	r := cellReport{
		Address: doc.FormatAddress(cell.Address),
		Kind:    cell.Kind.String(),
		Source:  cell.Source,
		Value:   formatValue(cell.Value),
	}
	if e, ok := cell.Value.(*spreadsheet.SpreadsheetError); ok {
		r.Error = e.Code()
		r.Detail = e.Message
		r.Line = e.Line
	}
	return r
}

// usedCells returns every occupied cell of doc, worksheet by worksheet in
// row-major order.
func usedCells(doc *spreadsheet.Document) ([]*spreadsheet.Cell, error) {
	var cells []*spreadsheet.Cell
	for _, id := range doc.Worksheets() {
		used, ok := doc.UsedRange(id)
		if !ok {
			continue
		}
		region, err := doc.GetRegion(used)
		if err != nil {
			return nil, err
		}
		cells = append(cells, region...)
	}
	return cells, nil
}

// errorCells reports the cells of doc that display an error value.
func errorCells(doc *spreadsheet.Document) ([]cellReport, error) {
	cells, err := usedCells(doc)
	if err != nil {
		return nil, err
	}
	var errs []cellReport
	for _, cell := range cells {
		if _, ok := cell.Value.(*spreadsheet.SpreadsheetError); ok {
			errs = append(errs, report(doc, cell))
		}
	}
	return errs, nil
}
