package collaboration

import (
	"strings"
	"unicode/utf8"

	"collab-engine/internal/models"
	"collab-engine/internal/ot"
)

// reprojectCursor moves a cursor so it keeps pointing at the same character
// after op. before is the text op was applied to, after is the result.
func reprojectCursor(pos models.CursorPosition, op ot.Operation, before, after string) models.CursorPosition {
	abs := absoluteOffset(before, pos)

	switch op.Type {
	case ot.OpInsert:
		if op.Position < abs {
			abs += op.TextLen()
		}
	case ot.OpDelete:
		if op.Position < abs {
			if op.End() <= abs {
				abs -= op.Length
			} else {
				abs = op.Position
			}
		}
	}

	return rowColumn(after, abs)
}

// absoluteOffset converts row/column into a rune offset, clamping to the text.
func absoluteOffset(text string, pos models.CursorPosition) int {
	lines := strings.Split(text, "\n")
	row := max(0, min(pos.Row, len(lines)-1))

	offset := 0
	for _, line := range lines[:row] {
		offset += utf8.RuneCountInString(line) + 1
	}
	col := max(0, min(pos.Column, utf8.RuneCountInString(lines[row])))
	return offset + col
}

// rowColumn converts a rune offset back into row/column.
func rowColumn(text string, offset int) models.CursorPosition {
	if offset < 0 {
		offset = 0
	}

	var pos models.CursorPosition
	seen := 0
	for _, r := range text {
		if seen == offset {
			break
		}
		if r == '\n' {
			pos.Row++
			pos.Column = 0
		} else {
			pos.Column++
		}
		seen++
	}
	return pos
}
