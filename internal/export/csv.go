package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// CSV renders one sheet as RFC 4180 CSV. Cells containing commas,
// quotes, or newlines come out quoted.
func CSV(sheet Sheet) (*Result, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range sheet.Grid {
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(sheet.Name) + ".csv",
		MimeType: "text/csv",
	}, nil
}

// sanitizeFilename creates a safe filename from a sheet or workbook name
func sanitizeFilename(name string) string {
	result := ""
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		default:
			// Skip other characters
		}
	}

	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "sheet"
	}
	return result
}
