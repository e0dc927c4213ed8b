package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

// MessageType tags a frame on the sandbox connection.
type MessageType string

const (
	// client -> sandbox: run source for a cell
	MessageExecute MessageType = "execute"
	// sandbox -> client: the code asked for a range
	MessageRead MessageType = "read"
	// client -> sandbox: values for a read
	MessageCells MessageType = "cells"
	// sandbox -> client: the execution finished
	MessageResult MessageType = "result"
	// client -> sandbox: stop the execution
	MessageCancel MessageType = "cancel"
)

// Message is one JSON frame. ID ties every frame to the execute request
// that started it.
type Message struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id"`
	Language string      `json:"language,omitempty"`
	Source   string      `json:"source,omitempty"`
	Cell     *CellRef    `json:"cell,omitempty"`
	Range    *RangeRef   `json:"range,omitempty"`
	Values   [][]Value   `json:"values,omitempty"`
	Error    string      `json:"error,omitempty"`
	Result   *Result     `json:"result,omitempty"`
}

// CellRef names a cell by worksheet name and 0-based row and column.
type CellRef struct {
	Sheet  string `json:"sheet"`
	Row    uint32 `json:"row"`
	Column uint32 `json:"column"`
}

// RangeRef is an inclusive rectangle. An empty Sheet means the sheet of
// the executing cell.
type RangeRef struct {
	Sheet       string `json:"sheet,omitempty"`
	StartRow    uint32 `json:"start_row"`
	StartColumn uint32 `json:"start_column"`
	EndRow      uint32 `json:"end_row"`
	EndColumn   uint32 `json:"end_column"`
}

// Result is the outcome reported by the sandbox.
type Result struct {
	Success       bool            `json:"success"`
	OutputValue   Value           `json:"output_value"`
	OutputArray   json.RawMessage `json:"output_array,omitempty"`
	StdOut        string          `json:"std_out,omitempty"`
	StdErr        string          `json:"std_err,omitempty"`
	LineNumber    int             `json:"line_number,omitempty"`
	FormattedCode string          `json:"formatted_code,omitempty"`
	Volatile      bool            `json:"volatile,omitempty"`
}

// Value carries one cell value over JSON. Error values travel as
// {"error": "#DIV/0!", "message": "..."}.
type Value struct {
	Primitive spreadsheet.Primitive
}

type errorValue struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch p := v.Primitive.(type) {
	case nil:
		return []byte("null"), nil
	case *spreadsheet.SpreadsheetError:
		return json.Marshal(errorValue{Error: p.Code(), Message: p.Message})
	case float64, string, bool:
		return json.Marshal(p)
	default:
		return nil, fmt.Errorf("unsupported value type %T", p)
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		v.Primitive = nil
		return nil
	case len(data) > 0 && data[0] == '{':
		var e errorValue
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		code, ok := spreadsheet.ParseErrorCode(e.Error)
		if !ok {
			code = spreadsheet.ErrorCodeOther
		}
		v.Primitive = spreadsheet.NewSpreadsheetError(code, e.Message)
		return nil
	}
	var p any
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	switch p.(type) {
	case float64, string, bool:
		v.Primitive = p
		return nil
	default:
		return fmt.Errorf("unsupported JSON value %s", data)
	}
}

func encodeMatrix(rows [][]spreadsheet.Primitive) [][]Value {
	out := make([][]Value, len(rows))
	for i, row := range rows {
		out[i] = make([]Value, len(row))
		for j, p := range row {
			out[i][j] = Value{Primitive: p}
		}
	}
	return out
}

// decodeArray accepts a 2-D array of rows or a 1-D array, which becomes a
// single column.
func decodeArray(raw json.RawMessage) ([][]spreadsheet.Primitive, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("output_array: %w", err)
	}

	out := make([][]spreadsheet.Primitive, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '[' {
			var row []Value
			if err := json.Unmarshal(item, &row); err != nil {
				return nil, fmt.Errorf("output_array row %d: %w", i, err)
			}
			out[i] = make([]spreadsheet.Primitive, len(row))
			for j, v := range row {
				out[i][j] = v.Primitive
			}
			continue
		}
		var v Value
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("output_array item %d: %w", i, err)
		}
		out[i] = []spreadsheet.Primitive{v.Primitive}
	}
	return out, nil
}
