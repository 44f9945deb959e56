package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageNext(t *testing.T) {
	cases := []struct {
		from Stage
		to   Stage
		ok   bool
	}{
		{StageIntake, StageScheduling, true},
		{StageReadyForDelivery, StageDelivered, true},
		{StageDelivered, StageWorkfile, true},
		{StageCancelled, StageWorkfile, true},
		{StageWorkfile, "", false},
		{StageCorrection, "", false},
		{StageOnHold, "", false},
	}
	for _, c := range cases {
		got, ok := c.from.Next()
		assert.Equal(t, c.ok, ok, "from %s", c.from)
		assert.Equal(t, c.to, got, "from %s", c.from)
	}
}

func TestStageClassification(t *testing.T) {
	assert.True(t, StageInspected.IsProduction())
	assert.True(t, StageDelivered.IsProduction())
	assert.False(t, StageWorkfile.IsProduction())
	assert.False(t, StageRevision.IsProduction())
	assert.True(t, StageRevision.IsSideState())
	assert.False(t, StageOnHold.IsSideState())
	assert.True(t, StageWorkfile.IsTerminal())
	assert.Equal(t, -1, StageCancelled.Index())
}

func TestParseStage(t *testing.T) {
	st, err := ParseStage(" ready_for_delivery ")
	require.NoError(t, err)
	assert.Equal(t, StageReadyForDelivery, st)

	_, err = ParseStage("SHIPPED")
	require.Error(t, err)
}

func TestMetadataValidate(t *testing.T) {
	ok := Metadata{"lender": "acme", "rush": true, "fee": 425.5, "note": nil}
	require.NoError(t, ok.Validate())

	nested := Metadata{"contacts": []any{"a", "b"}}
	require.Error(t, nested.Validate())

	obj := Metadata{"address": map[string]any{"zip": "30301"}}
	require.Error(t, obj.Validate())
}

func TestParseMetadataEmpty(t *testing.T) {
	m, err := ParseMetadata("")
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = ParseMetadata("null")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestCorrectionOpen(t *testing.T) {
	assert.True(t, Correction{Status: CorrectionReview}.Open())
	assert.False(t, Correction{Status: CorrectionRejected}.Open())
}
