// Package report renders work history exports.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"prodline/internal/domain"
)

const (
	HistorySheet = "Work History"
	SummarySheet = "By User"
	ContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var historyColumns = []string{"Created At", "User", "Event", "Summary", "Impact", "Card", "Task", "Correction"}

var summaryColumns = []string{"User", "Events", "Corrections Received", "Corrections Completed", "Approved", "Rejected", "Impact"}

// Filename builds the download name for an org's export.
func Filename(orgID string, at time.Time) string {
	return fmt.Sprintf("work-history-%s-%s.xlsx", orgID, at.UTC().Format("20060102"))
}

// WorkHistory writes entries to a workbook with a detail sheet and a per-user summary sheet.
func WorkHistory(entries []domain.WorkHistoryEntry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(HistorySheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}
	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})
	if err != nil {
		return nil, err
	}

	if err := writeHeader(f, HistorySheet, historyColumns, header); err != nil {
		return nil, err
	}
	for i, e := range entries {
		row := []interface{}{
			e.CreatedAt, e.UserID, e.EventType, e.Summary, impactCell(e.ImpactScore),
			deref(e.CardID), deref(e.TaskID), deref(e.CorrectionID),
		}
		if err := writeRow(f, HistorySheet, i+2, row); err != nil {
			return nil, err
		}
	}
	widths := []float64{22, 20, 24, 60, 10, 38, 38, 38}
	for i, w := range widths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(HistorySheet, col, col, w); err != nil {
			return nil, err
		}
	}

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return nil, err
	}
	if err := writeHeader(f, SummarySheet, summaryColumns, header); err != nil {
		return nil, err
	}
	for i, s := range Summarize(entries) {
		row := []interface{}{s.UserID, s.Events, s.Received, s.Completed, s.Approved, s.Rejected, s.Impact}
		if err := writeRow(f, SummarySheet, i+2, row); err != nil {
			return nil, err
		}
	}
	for i := range summaryColumns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(SummarySheet, col, col, 18); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UserSummary totals one user's work history rows.
type UserSummary struct {
	UserID    string
	Events    int
	Received  int
	Completed int
	Approved  int
	Rejected  int
	Impact    float64
}

// Summarize groups entries by user, ordered by user id.
func Summarize(entries []domain.WorkHistoryEntry) []UserSummary {
	by := map[string]*UserSummary{}
	for _, e := range entries {
		s := by[e.UserID]
		if s == nil {
			s = &UserSummary{UserID: e.UserID}
			by[e.UserID] = s
		}
		s.Events++
		switch {
		case strings.HasSuffix(e.EventType, "_received"):
			s.Received++
		case strings.HasSuffix(e.EventType, "_completed"):
			s.Completed++
		case e.EventType == domain.HistoryCorrectionApproved:
			s.Approved++
		case e.EventType == domain.HistoryCorrectionRejected:
			s.Rejected++
		}
		if e.ImpactScore != nil {
			s.Impact += *e.ImpactScore
		}
	}
	out := make([]UserSummary, 0, len(by))
	for _, s := range by {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func writeHeader(f *excelize.File, sheet string, cols []string, style int) error {
	for i, c := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, c); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, vals []interface{}) error {
	for i, v := range vals {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}

func impactCell(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
