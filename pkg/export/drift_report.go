package export

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jordanlanch/funnelsync/pkg/drift"
	"github.com/xuri/excelize/v2"
)

// Sheet names of the drift workbook
const (
	SheetSummary = "Summary"
	SheetStages  = "Stages"
	SheetMissing = "Missing"
)

// ContentTypeXLSX is the MIME type of the generated workbook
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var stageHeaders = []string{
	"Funnel", "Stage", "Label", "SprintHub", "Local", "Missing", "Stale", "Sync %", "Below Threshold", "Error",
}

// DriftReportXLSX renders the report as an XLSX workbook
func DriftReportXLSX(r drift.Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteDriftReport(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteDriftReport writes the workbook to w
func WriteDriftReport(w io.Writer, r drift.Report) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}
	alertStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8D7DA"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}

	// The default sheet becomes the summary
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	summary := [][]any{
		{"Checked At", r.CheckedAt.Format("2006-01-02 15:04:05")},
		{"Threshold %", r.Threshold},
		{"SprintHub", r.SprintHubCount},
		{"Local", r.LocalCount},
		{"Missing", r.MissingCount},
		{"Stale", r.StaleCount},
		{"Sync %", r.SyncPercentage},
		{"Alerts", len(r.Alerts())},
	}
	for i, row := range summary {
		if err := setRow(f, SheetSummary, i+1, row); err != nil {
			return err
		}
	}
	f.SetCellStyle(SheetSummary, "A1", fmt.Sprintf("A%d", len(summary)), headerStyle)
	f.SetColWidth(SheetSummary, "A", "A", 15)
	f.SetColWidth(SheetSummary, "B", "B", 22)

	if _, err := f.NewSheet(SheetStages); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := writeHeader(f, SheetStages, stageHeaders, headerStyle); err != nil {
		return err
	}
	for i, st := range r.Stages {
		row := i + 2
		err := setRow(f, SheetStages, row, []any{
			st.FunnelID, st.StageID, st.Label, st.SprintHubCount, st.LocalCount,
			len(st.MissingIDs), len(st.StaleIDs), st.SyncPercentage, st.BelowThreshold, st.Error,
		})
		if err != nil {
			return err
		}
		if st.BelowThreshold || st.Error != "" {
			last, _ := excelize.CoordinatesToCellName(len(stageHeaders), row)
			f.SetCellStyle(SheetStages, fmt.Sprintf("A%d", row), last, alertStyle)
		}
	}
	f.SetColWidth(SheetStages, "A", "J", 15)

	if _, err := f.NewSheet(SheetMissing); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := writeHeader(f, SheetMissing, []string{"Funnel", "Stage", "Opportunity", "Kind"}, headerStyle); err != nil {
		return err
	}
	row := 2
	for _, st := range r.Stages {
		for _, kind := range []struct {
			name string
			ids  []int64
		}{{"missing", st.MissingIDs}, {"stale", st.StaleIDs}} {
			for _, id := range kind.ids {
				if err := setRow(f, SheetMissing, row, []any{st.FunnelID, st.StageID, id, kind.name}); err != nil {
					return err
				}
				row++
			}
		}
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// FileName returns the archive name for the report, e.g. drift-20251215-060000.xlsx
func FileName(r drift.Report) string {
	return "drift-" + r.CheckedAt.UTC().Format("20060102-150405") + ".xlsx"
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	values := make([]any, len(headers))
	for i, h := range headers {
		values[i] = h
	}
	if err := setRow(f, sheet, 1, values); err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	return f.SetCellStyle(sheet, "A1", last, style)
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

// IDList joins ids for single-cell display
func IDList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
