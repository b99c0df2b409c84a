// Package report renders run results for people: an XLSX workbook for export and a
// terminal table for the status command.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/xuri/excelize/v2"

	"github.com/alvmarrod/domain-enricher/internal/runstate"
	"github.com/alvmarrod/domain-enricher/internal/storage"
)

const (
	resultsSheet = "Results"
	summarySheet = "Summary"
)

var headers = []string{
	"Domain", "Status", "INN", "Emails", "INN source", "Email source", "Reason", "Attempted URLs", "Supplier ID",
}

// WriteXLSX writes a Results sheet with one row per run domain and a Summary sheet with
// counts per status
func WriteXLSX(w io.Writer, rows []storage.RunDomain) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return fmt.Errorf("failed to name results sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeRow(f, resultsSheet, 1, toAny(headers)); err != nil {
		return err
	}
	if err := f.SetRowStyle(resultsSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}
	for i, rd := range rows {
		if err := writeRow(f, resultsSheet, i+2, resultRow(rd)); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(resultsSheet, "A", "A", 28); err != nil {
		return fmt.Errorf("failed to size columns: %w", err)
	}
	if err := f.SetColWidth(resultsSheet, "D", "H", 40); err != nil {
		return fmt.Errorf("failed to size columns: %w", err)
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}
	if err := writeRow(f, summarySheet, 1, []any{"Status", "Domains"}); err != nil {
		return err
	}
	if err := f.SetRowStyle(summarySheet, 1, 1, bold); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}
	for i, sc := range Summarize(rows) {
		if err := writeRow(f, summarySheet, i+2, []any{sc.Status, sc.Count}); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func resultRow(rd storage.RunDomain) []any {
	supplier := ""
	if rd.SupplierID != nil {
		supplier = strconv.FormatInt(*rd.SupplierID, 10)
	}
	return []any{
		rd.Domain,
		runstate.Label(rd.Status),
		rd.INN,
		strings.Join(rd.Emails, ", "),
		rd.INNSourceURL,
		rd.EmailSourceURL,
		rd.Reason,
		strings.Join(rd.AttemptedURLs, "\n"),
		supplier,
	}
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// StatusCount is the number of run domains in one status
type StatusCount struct {
	Status string
	Count  int
}

// Summarize counts rows per status label, largest first
func Summarize(rows []storage.RunDomain) []StatusCount {
	counts := make(map[string]int)
	for _, rd := range rows {
		counts[runstate.Label(rd.Status)]++
	}
	out := make([]StatusCount, 0, len(counts))
	for status, n := range counts {
		out = append(out, StatusCount{Status: status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Status < out[j].Status
	})
	return out
}

// RenderTable writes run domains as a terminal table followed by the status summary
func RenderTable(w io.Writer, rows []storage.RunDomain) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Domain", "Status", "INN", "Emails", "Reason"})
	for _, rd := range rows {
		t.AppendRow(table.Row{
			rd.Domain,
			runstate.Label(rd.Status),
			rd.INN,
			strings.Join(rd.Emails, ", "),
			rd.Reason,
		})
	}

	footer := make([]string, 0)
	for _, sc := range Summarize(rows) {
		footer = append(footer, fmt.Sprintf("%s: %d", sc.Status, sc.Count))
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d domains", len(rows)), strings.Join(footer, ", ")})
	t.Render()
}
