package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vogtb/go-spreadsheet/packages/spreadsheet"
)

var replayCmd = &cobra.Command{
	Use:   "replay <script.json>",
	Short: "Replay a JSON edit script against an empty document",
	Long: `Replay a JSON edit script and print every change set followed by the
final cell values.

A script names the worksheets to create and a list of steps. A step is
either a transaction of edits or one of the actions undo, redo and
volatile (recalculate volatile cells):

  {
    "sheets": ["Sheet1"],
    "steps": [
      {"edits": [
        {"op": "set", "cell": "A1", "value": 5},
        {"op": "code", "cell": "B1", "language": "formula", "source": "=A1*2"}
      ]},
      {"action": "undo"}
    ]
  }

Edit ops are set, code, delete and rerun. Cells without a worksheet prefix
refer to the first sheet.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

type script struct {
	Sheets []string `json:"sheets"`
	Steps  []step   `json:"steps"`
}

type step struct {
	Action string `json:"action,omitempty"`
	Edits  []edit `json:"edits,omitempty"`
}

type edit struct {
	Op       string `json:"op"`
	Cell     string `json:"cell"`
	Value    any    `json:"value,omitempty"`
	Language string `json:"language,omitempty"`
	Source   string `json:"source,omitempty"`
}

type stepResult struct {
	Step        int      `json:"step"`
	Kind        string   `json:"kind"`
	Cells       []string `json:"cells"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

type replayResult struct {
	Steps []stepResult `json:"steps"`
	Cells []cellReport `json:"cells"`
}

func readScript(path string) (*script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(s.Sheets) == 0 {
		s.Sheets = []string{"Sheet1"}
	}
	return &s, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()

	s, err := readScript(args[0])
	if err != nil {
		return err
	}
	newDoc, release, err := documentFactory()
	if err != nil {
		return err
	}
	defer release()

	result, err := replay(ctx, newDoc(), s)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		return jsonPrint(w, result)
	}
	printReplay(w, result)
	return nil
}

// replay runs every step of s against doc. The first failing step stops
// the replay.
func replay(ctx context.Context, doc *spreadsheet.Document, s *script) (*replayResult, error) {
	for _, name := range s.Sheets {
		if _, err := doc.AddWorksheet(name); err != nil {
			return nil, err
		}
	}

	result := &replayResult{}
	for i, st := range s.Steps {
		changes, err := runStep(ctx, doc, st)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		sr := stepResult{Step: i + 1, Kind: changes.Kind.String(), Cells: []string{}}
		for _, addr := range changes.Cells {
			sr.Cells = append(sr.Cells, doc.FormatAddress(addr))
		}
		for _, d := range changes.Diagnostics {
			sr.Diagnostics = append(sr.Diagnostics, fmt.Sprintf("%s: %s", doc.FormatAddress(d.Cell), d))
		}
		result.Steps = append(result.Steps, sr)
	}

	cells, err := usedCells(doc)
	if err != nil {
		return nil, err
	}
	result.Cells = []cellReport{}
	for _, cell := range cells {
		result.Cells = append(result.Cells, report(doc, cell))
	}
	return result, nil
}

func runStep(ctx context.Context, doc *spreadsheet.Document, st step) (*spreadsheet.ChangeSet, error) {
	switch st.Action {
	case "undo":
		return doc.Undo(ctx)
	case "redo":
		return doc.Redo(ctx)
	case "volatile":
		return doc.Update(ctx, func(tx *spreadsheet.Transaction) error {
			return tx.RecalculateVolatile(ctx)
		})
	case "", "commit":
		return doc.Update(ctx, func(tx *spreadsheet.Transaction) error {
			for _, e := range st.Edits {
				if err := applyEdit(ctx, doc, tx, e); err != nil {
					return fmt.Errorf("%s %s: %w", e.Op, e.Cell, err)
				}
			}
			return nil
		})
	default:
		return nil, fmt.Errorf("unknown action %q", st.Action)
	}
}

func applyEdit(ctx context.Context, doc *spreadsheet.Document, tx *spreadsheet.Transaction, e edit) error {
	addr, err := doc.ParseAddress(e.Cell)
	if err != nil {
		return err
	}
	switch e.Op {
	case "set":
		return tx.SetCellValue(ctx, addr, e.Value)
	case "code":
		lang := spreadsheet.LanguageFormula
		if e.Language != "" {
			if lang, err = spreadsheet.ParseLanguage(e.Language); err != nil {
				return err
			}
		}
		return tx.SetCellCode(ctx, addr, lang, e.Source)
	case "delete":
		return tx.DeleteCell(ctx, addr)
	case "rerun":
		return tx.Rerun(ctx, addr)
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
}

func printReplay(w io.Writer, r *replayResult) {
	for _, s := range r.Steps {
		fmt.Fprintf(w, "step %d: %s, %d cells changed\n", s.Step, s.Kind, len(s.Cells))
		for _, d := range s.Diagnostics {
			fmt.Fprintf(w, "  %s\n", d)
		}
	}
	fmt.Fprintln(w)
	for _, c := range r.Cells {
		fmt.Fprintf(w, "%-20s %-30s %s\n", c.Address, c.Source, c.Value)
	}
}
