// Package workbook applies cell, row, and sheet mutations to a workbook
// blob. It is pure: bytes in, bytes out, no storage or transport concerns.
package workbook

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	ErrInvalidWorkbook = errors.New("invalid workbook")
	ErrSheetNotFound   = errors.New("sheet not found")
	ErrSheetExists     = errors.New("sheet already exists")
	ErrBadAddress      = errors.New("bad cell address")
)

// placeholderValue seeds A1 of a freshly added sheet so the grid editor
// has something to render.
const placeholderValue = "New Sheet"

type Workbook struct {
	f *excelize.File
}

// New returns an empty workbook containing the default sheet.
func New() *Workbook {
	return &Workbook{f: excelize.NewFile()}
}

// Open parses a serialized workbook. Empty input yields a fresh workbook,
// matching the lazy-create-on-first-write lifecycle.
func Open(data []byte) (*Workbook, error) {
	if len(data) == 0 {
		return New(), nil
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}
	return &Workbook{f: f}, nil
}

func (w *Workbook) Close() {
	_ = w.f.Close()
}

func (w *Workbook) Bytes() ([]byte, error) {
	buf, err := w.f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *Workbook) SheetList() []string {
	return w.f.GetSheetList()
}

func (w *Workbook) HasSheet(name string) bool {
	idx, err := w.f.GetSheetIndex(name)
	return err == nil && idx >= 0
}

// AddSheet creates a named sheet seeded with a placeholder in A1. An
// existing sheet of the same name is a conflict unless overwrite is set.
func (w *Workbook) AddSheet(name string, overwrite bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty sheet name", ErrBadAddress)
	}
	if w.HasSheet(name) {
		if !overwrite {
			return ErrSheetExists
		}
		if err := w.DeleteSheet(name); err != nil {
			return err
		}
	}
	if _, err := w.f.NewSheet(name); err != nil {
		return fmt.Errorf("new sheet %q: %w", name, err)
	}
	if err := w.f.SetCellValue(name, "A1", placeholderValue); err != nil {
		return fmt.Errorf("seed sheet %q: %w", name, err)
	}
	return nil
}

// DeleteSheet removes a sheet. A workbook is never left empty: deleting
// the last sheet resets the workbook to a fresh default sheet.
func (w *Workbook) DeleteSheet(name string) error {
	if !w.HasSheet(name) {
		return ErrSheetNotFound
	}
	if len(w.SheetList()) == 1 {
		_ = w.f.Close()
		w.f = excelize.NewFile()
		return nil
	}
	if err := w.f.DeleteSheet(name); err != nil {
		return fmt.Errorf("delete sheet %q: %w", name, err)
	}
	return nil
}

// SaveAll replaces the full grid of a sheet. The submitted grid is
// normalized to a rectangle by padding; cells whose value is unchanged are
// skipped; any previously non-empty cell outside the new bounds is
// explicitly cleared (extra rows beyond the new height, and extra columns
// for all rows up to the larger of the old and new heights). The sheet is
// created when absent.
func (w *Workbook) SaveAll(sheet string, grid [][]any) error {
	if !w.HasSheet(sheet) {
		if _, err := w.f.NewSheet(sheet); err != nil {
			return fmt.Errorf("new sheet %q: %w", sheet, err)
		}
	}

	grid = NormalizeGrid(grid)
	newH := len(grid)
	newW := 0
	if newH > 0 {
		newW = len(grid[0])
	}

	oldRows, err := w.f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	// Write changed cells inside the new bounds.
	for r := 0; r < newH; r++ {
		for c := 0; c < newW; c++ {
			var existing string
			if r < len(oldRows) && c < len(oldRows[r]) {
				existing = oldRows[r][c]
			}
			if existing == cellString(grid[r][c]) {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return fmt.Errorf("cell name (%d,%d): %w", r, c, err)
			}
			if err := w.f.SetCellValue(sheet, cell, grid[r][c]); err != nil {
				return fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}

	// Shrink-clear: every previously non-empty cell that the new bounds no
	// longer cover reads back as null afterwards.
	for r := range oldRows {
		for c := range oldRows[r] {
			if oldRows[r][c] == "" {
				continue
			}
			if r < newH && c < newW {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return fmt.Errorf("cell name (%d,%d): %w", r, c, err)
			}
			if err := w.f.SetCellValue(sheet, cell, nil); err != nil {
				return fmt.Errorf("clear cell %s: %w", cell, err)
			}
		}
	}

	return nil
}

// GetCell reads one cell by spreadsheet address. Empty string means null.
func (w *Workbook) GetCell(sheet, address string) (string, error) {
	if !w.HasSheet(sheet) {
		return "", ErrSheetNotFound
	}
	if _, _, err := excelize.CellNameToCoordinates(address); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, address)
	}
	value, err := w.f.GetCellValue(sheet, address)
	if err != nil {
		return "", fmt.Errorf("get cell %s!%s: %w", sheet, address, err)
	}
	return value, nil
}

// Preview returns the sheet's used grid, padded to a rectangle, at least
// 1x1 even for an empty sheet.
func (w *Workbook) Preview(sheet string) ([][]string, int, int, error) {
	if !w.HasSheet(sheet) {
		return nil, 0, 0, ErrSheetNotFound
	}
	rows, err := w.f.GetRows(sheet)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	height := len(rows)
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}
	if height == 0 {
		height = 1
	}
	if width == 0 {
		width = 1
	}

	grid := make([][]string, height)
	for r := 0; r < height; r++ {
		grid[r] = make([]string, width)
		if r < len(rows) {
			copy(grid[r], rows[r])
		}
	}
	return grid, height, width, nil
}

// NormalizeGrid pads a jagged grid with nils so every row has the width
// of the widest row.
func NormalizeGrid(grid [][]any) [][]any {
	width := 0
	for _, row := range grid {
		if len(row) > width {
			width = len(row)
		}
	}
	normalized := make([][]any, len(grid))
	for i, row := range grid {
		padded := make([]any, width)
		copy(padded, row)
		normalized[i] = padded
	}
	return normalized
}

// cellString renders a grid value the way excelize reads it back, so the
// changed-cell check compares like with like.
func cellString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		if value {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		return fmt.Sprintf("%v", value)
	}
}
