package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"prodline/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func sampleHistory() []domain.WorkHistoryEntry {
	return []domain.WorkHistoryEntry{
		{ID: "1", UserID: "alice", EventType: domain.HistoryCorrectionReceived, Summary: "Correction received for A-100", CardID: ptr("card-1"), CorrectionID: ptr("corr-1"), CreatedAt: "2024-01-02T10:00:00Z"},
		{ID: "2", UserID: "alice", EventType: domain.HistoryCorrectionCompleted, Summary: "Correction completed for A-100", CardID: ptr("card-1"), CorrectionID: ptr("corr-1"), CreatedAt: "2024-01-02T11:00:00Z"},
		{ID: "3", UserID: "alice", EventType: domain.HistoryCorrectionApproved, Summary: "Correction approved for A-100", ImpactScore: ptr(3.0), CardID: ptr("card-1"), CorrectionID: ptr("corr-1"), CreatedAt: "2024-01-02T12:00:00Z"},
		{ID: "4", UserID: "bob", EventType: domain.HistoryRevisionReceived, Summary: "Revision received for A-200", CreatedAt: "2024-01-03T09:00:00Z"},
		{ID: "5", UserID: "bob", EventType: domain.HistoryCorrectionRejected, Summary: "Correction rejected for A-200", ImpactScore: ptr(1.5), CreatedAt: "2024-01-03T10:00:00Z"},
	}
}

func TestWorkHistoryWorkbook(t *testing.T) {
	data, err := WorkHistory(sampleHistory())
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{HistorySheet, SummarySheet}, f.GetSheetList())

	rows, err := f.GetRows(HistorySheet)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, historyColumns, rows[0])
	assert.Equal(t, "alice", rows[1][1])
	assert.Equal(t, domain.HistoryCorrectionReceived, rows[1][2])
	assert.Equal(t, "3", rows[3][4])
	assert.Equal(t, "corr-1", rows[3][7])

	summary, err := f.GetRows(SummarySheet)
	require.NoError(t, err)
	require.Len(t, summary, 3)
	assert.Equal(t, summaryColumns, summary[0])
	assert.Equal(t, []string{"alice", "3", "1", "1", "1", "0", "3"}, summary[1])
	assert.Equal(t, []string{"bob", "2", "1", "0", "0", "1", "1.5"}, summary[2])
}

func TestWorkHistoryWorkbookEmpty(t *testing.T) {
	data, err := WorkHistory(nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(HistorySheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSummarize(t *testing.T) {
	got := Summarize(sampleHistory())
	require.Len(t, got, 2)
	assert.Equal(t, UserSummary{UserID: "alice", Events: 3, Received: 1, Completed: 1, Approved: 1, Impact: 3}, got[0])
	assert.Equal(t, UserSummary{UserID: "bob", Events: 2, Received: 1, Rejected: 1, Impact: 1.5}, got[1])
}

func TestFilename(t *testing.T) {
	at := time.Date(2024, 5, 6, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "work-history-org-1-20240506.xlsx", Filename("org-1", at))
}
