// Package export writes merchant records as CSV, JSON or XLSX. The CSV
// columns are the ones the import path reads back.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/alvmarrod/storefront-scout/internal/storage"
	"github.com/xuri/excelize/v2"
)

// Format is an export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

const sheetName = "Merchants"

// Columns is the header row of tabular exports
var Columns = []string{
	"domain", "title", "image1", "image2", "image3",
	"currency", "language", "date", "status",
	"revenue", "ad_link", "niche", "product_count", "traffic", "app", "theme",
	"reviewed", "notes",
}

// ParseFormat validates a format name; empty selects CSV
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatJSON, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of the format
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "text/csv"
	}
}

// Write encodes records to w in format f
func Write(w io.Writer, f Format, records []storage.Record) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, records)
	case FormatJSON:
		return WriteJSON(w, records)
	case FormatXLSX:
		return WriteXLSX(w, records)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

func row(rec storage.Record) []string {
	m := rec.Merchant
	images := make([]string, 3)
	copy(images, rec.Snapshot.Images)

	reviewed := "false"
	if m.Reviewed {
		reviewed = "true"
	}
	return []string{
		m.Domain, rec.Snapshot.Title, images[0], images[1], images[2],
		m.Currency, m.Language, m.Date, string(rec.Snapshot.Status),
		m.Revenue, m.AdLink, m.Niche, m.ProductCount, m.Traffic, m.App, m.Theme,
		reviewed, m.Notes,
	}
}

// WriteCSV writes a header row and one row per record
func WriteCSV(w io.Writer, records []storage.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(row(rec)); err != nil {
			return fmt.Errorf("failed to write CSV row for %s: %w", rec.Merchant.Domain, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes records as an indented JSON array
func WriteJSON(w io.Writer, records []storage.Record) error {
	if records == nil {
		records = []storage.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to encode JSON export: %w", err)
	}
	return nil
}

// WriteXLSX writes a single-sheet workbook with the CSV columns
func WriteXLSX(w io.Writer, records []storage.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	if err := setRow(f, 1, Columns); err != nil {
		return err
	}
	for i, rec := range records {
		if err := setRow(f, i+2, row(rec)); err != nil {
			return err
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, rowNum int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return fmt.Errorf("failed to address row %d: %w", rowNum, err)
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
		return fmt.Errorf("failed to write row %d: %w", rowNum, err)
	}
	return nil
}
