package spreadsheet

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultMaxRows    uint32 = 1 << 20 // 1,048,576
	DefaultMaxColumns uint32 = 1 << 14 // 16,384 (XFD)
)

// ColumnName converts a 0-based column index to letters (0 -> A, 26 -> AA).
func ColumnName(col uint32) string {
	var buf [8]byte
	i := len(buf)
	n := col + 1
	for n > 0 {
		n--
		i--
		buf[i] = byte('A' + n%26)
		n /= 26
	}
	return string(buf[i:])
}

// ParseA1 parses a cell reference like "B12" or "$B$12" into 0-based row
// and column indices.
func ParseA1(ref string) (row, col uint32, err error) {
	cell := strings.ReplaceAll(ref, "$", "")
	if len(cell) < 2 {
		return 0, 0, fmt.Errorf("invalid cell reference: %s", ref)
	}

	// find where letters end and numbers begin
	letterEnd := 0
	for i, ch := range cell {
		if ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z' {
			letterEnd = i + 1
		} else {
			break
		}
	}
	if letterEnd == 0 || letterEnd == len(cell) || letterEnd > 3 {
		return 0, 0, fmt.Errorf("invalid cell reference: %s", ref)
	}

	// A=0, B=1, ..., Z=25, AA=26
	var c uint32
	for _, ch := range strings.ToUpper(cell[:letterEnd]) {
		c = c*26 + uint32(ch-'A') + 1
	}

	rowNum, err := strconv.ParseUint(cell[letterEnd:], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid row number in %s", ref)
	}
	if rowNum < 1 {
		return 0, 0, fmt.Errorf("row number must be positive: %s", ref)
	}
	return uint32(rowNum - 1), c - 1, nil
}

// SplitSheetRef splits "Sheet1!A1" or "'My Sheet'!A1:B2" into the worksheet
// name and the reference. The name is empty when there is no prefix.
func SplitSheetRef(ref string) (sheet, rest string) {
	idx := strings.LastIndex(ref, "!")
	if idx < 0 {
		return "", ref
	}
	sheet = ref[:idx]
	if len(sheet) >= 2 && strings.HasPrefix(sheet, "'") && strings.HasSuffix(sheet, "'") {
		sheet = strings.ReplaceAll(sheet[1:len(sheet)-1], "''", "'")
	}
	return sheet, ref[idx+1:]
}

// QuoteSheetName returns name quoted for use in a reference when it needs it.
func QuoteSheetName(name string) string {
	for _, ch := range name {
		if !(ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z' || ch >= '0' && ch <= '9' || ch == '_') {
			return "'" + strings.ReplaceAll(name, "'", "''") + "'"
		}
	}
	return name
}

// cutRange splits "A1:B2" at the colon.
func cutRange(ref string) (start, end string, found bool) {
	return strings.Cut(ref, ":")
}
