package historian

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

// Format is an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts a format name or file extension; empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatXLSX, FormatPDF:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		return "application/pdf"
	default:
		return "application/json"
	}
}

// Export encodes batches to w in format f.
func Export(w io.Writer, f Format, batches []Batch) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, batches)
	case FormatXLSX:
		b, err := BuildXLSX(batches)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case FormatPDF:
		b, err := BuildPDF(batches)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	default:
		return WriteJSON(w, batches)
	}
}

// ExportFile writes batches to path, choosing the format from its extension.
func ExportFile(path string, batches []Batch) error {
	dot := strings.LastIndex(path, ".")
	if dot < 0 {
		return fmt.Errorf("export path %s has no extension", path)
	}
	f, err := ParseFormat(path[dot:])
	if err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := Export(out, f, batches); err != nil {
		out.Close()
		return fmt.Errorf("export %s: %w", path, err)
	}
	return out.Close()
}

// WriteJSON writes batches as an indented JSON array.
func WriteJSON(w io.Writer, batches []Batch) error {
	if batches == nil {
		batches = []Batch{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(batches); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

var csvHeader = []string{"record_id", "datetime", "device_id", "channel_id", "value"}

// WriteCSV flattens batches to one row per value.
func WriteCSV(w io.Writer, batches []Batch) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, b := range batches {
		ts := b.Time.UTC().Format(time.RFC3339)
		for _, v := range b.Values {
			rec := []string{
				strconv.FormatInt(b.RecordID, 10),
				ts,
				strconv.Itoa(v.DeviceID),
				strconv.Itoa(v.ChannelID),
				strconv.FormatFloat(v.Value, 'f', -1, 64),
			}
			if err := cw.Write(rec); err != nil {
				return fmt.Errorf("write record: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// BuildXLSX renders a summary sheet and a data sheet.
func BuildXLSX(batches []Batch) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summary, data := "summary", "data"
	f.SetSheetName("Sheet1", summary)
	if _, err := f.NewSheet(data); err != nil {
		return nil, err
	}

	rows := 0
	for _, b := range batches {
		rows += len(b.Values)
	}
	_ = f.SetCellValue(summary, "A1", "Historian export")
	_ = f.SetCellValue(summary, "A3", "Batches")
	_ = f.SetCellValue(summary, "B3", len(batches))
	_ = f.SetCellValue(summary, "A4", "Values")
	_ = f.SetCellValue(summary, "B4", rows)
	if len(batches) > 0 {
		_ = f.SetCellValue(summary, "A5", "From")
		_ = f.SetCellValue(summary, "B5", batches[0].Time.UTC().Format(time.RFC3339))
		_ = f.SetCellValue(summary, "A6", "To")
		_ = f.SetCellValue(summary, "B6", batches[len(batches)-1].Time.UTC().Format(time.RFC3339))
	}

	for i, h := range csvHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(data, cell, h)
	}
	row := 2
	for _, b := range batches {
		ts := b.Time.UTC().Format(time.RFC3339)
		for _, v := range b.Values {
			_ = f.SetCellValue(data, fmt.Sprintf("A%d", row), b.RecordID)
			_ = f.SetCellValue(data, fmt.Sprintf("B%d", row), ts)
			_ = f.SetCellValue(data, fmt.Sprintf("C%d", row), v.DeviceID)
			_ = f.SetCellValue(data, fmt.Sprintf("D%d", row), v.ChannelID)
			_ = f.SetCellValue(data, fmt.Sprintf("E%d", row), v.Value)
			row++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildPDF renders a minimal tabular report.
func BuildPDF(batches []Batch) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Historian export")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Batches: %d", len(batches)))
	pdf.Ln(8)

	widths := []float64{25, 50, 25, 25, 45}
	pdf.SetFont("Arial", "B", 10)
	for i, h := range csvHeader {
		pdf.CellFormat(widths[i], 6, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, b := range batches {
		ts := b.Time.UTC().Format("2006-01-02 15:04:05")
		for _, v := range b.Values {
			pdf.CellFormat(widths[0], 6, strconv.FormatInt(b.RecordID, 10), "1", 0, "R", false, 0, "")
			pdf.CellFormat(widths[1], 6, ts, "1", 0, "C", false, 0, "")
			pdf.CellFormat(widths[2], 6, strconv.Itoa(v.DeviceID), "1", 0, "R", false, 0, "")
			pdf.CellFormat(widths[3], 6, strconv.Itoa(v.ChannelID), "1", 0, "R", false, 0, "")
			pdf.CellFormat(widths[4], 6, strconv.FormatFloat(v.Value, 'f', 3, 64), "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
