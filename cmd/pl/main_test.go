package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"prodline/internal/domain"
)

func TestSetEnvValueReplacesOrAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("PRODLINE_ORG=old\nOTHER=1"), 0o644))

	require.NoError(t, setEnvValue(path, "PRODLINE_ORG", "acme"))
	require.NoError(t, setEnvValue(path, "PRODLINE_ACTOR_ID", "ann"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PRODLINE_ORG=acme\nOTHER=1\nPRODLINE_ACTOR_ID=ann\n", string(data))
}

func TestTemplateFileInput(t *testing.T) {
	raw := `
name: Residential
applicable_order_types: [purchase]
tasks:
  - stage: intake
    title: Verify order
    required: true
  - stage: INTAKE
    title: Check engagement letter
    parent: 0
`
	var tf templateFile
	require.NoError(t, yaml.Unmarshal([]byte(raw), &tf))
	in, err := tf.input()
	require.NoError(t, err)
	assert.Equal(t, "Residential", in.Name)
	assert.Equal(t, []string{"purchase"}, in.ApplicableOrderTypes)
	require.Len(t, in.Tasks, 2)
	assert.Equal(t, domain.StageIntake, in.Tasks[0].Stage)
	assert.True(t, in.Tasks[0].IsRequired)
	assert.Equal(t, -1, in.Tasks[0].SortOrder)
	require.NotNil(t, in.Tasks[1].ParentIndex)
	assert.Equal(t, 0, *in.Tasks[1].ParentIndex)

	_, err = templateFile{Tasks: []templateFileTask{{Stage: "NOPE", Title: "x"}}}.input()
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
	assert.Nil(t, splitList(""))
}

func TestFormatTurnTime(t *testing.T) {
	assert.Equal(t, "-", formatTurnTime(nil))
	tt := domain.NewTurnTime(12000)
	assert.Equal(t, "1w 1d 8h", formatTurnTime(&tt))
	assert.Len(t, metricRows(domain.ProductionMetrics{}), 14)
}
