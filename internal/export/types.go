// Package export renders sheet grids as downloadable CSV and PDF files.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// ErrPDFDependencyMissing indicates headless Chrome is not installed
var ErrPDFDependencyMissing = errors.New("pdf generation dependency missing")

// Sheet is one grid to render, already padded to a rectangle.
type Sheet struct {
	Name string
	Grid [][]string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}
