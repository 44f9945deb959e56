package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prodline/internal/domain"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Org.ID)
	assert.Equal(t, MissingTemplateFallback, cfg.MissingTemplatePolicy())
	assert.True(t, cfg.RequireOverrideJustification())
	assert.Equal(t, domain.SeverityMinor, cfg.DefaultSeverity())
	assert.Equal(t, 5.0, cfg.ImpactScore(domain.SeverityCritical))
	assert.Equal(t, 2.0, cfg.SLADays(domain.StageRevision))
	assert.Equal(t, 0.0, cfg.SLADays(domain.StageOnHold))
	assert.True(t, cfg.ChecklistOptional(domain.StageDelivered))
	assert.False(t, cfg.ChecklistOptional(domain.StageIntake))
	assert.Contains(t, cfg.Permissions(), "card.override")
}

func TestFromYAMLRejectsBadPolicy(t *testing.T) {
	_, err := FromYAML([]byte("org:\n  id: a\npolicies:\n  missing_template: maybe\n"))
	require.Error(t, err)

	_, err = FromYAML([]byte("org:\n  id: a\nsla:\n  stages:\n    SHIPPING: {days: 1}\n"))
	require.Error(t, err)

	_, err = FromYAML([]byte("org:\n  id: a\nscheduler:\n  sla_scan_cron: \"not a cron\"\n"))
	require.Error(t, err)
}

func TestNilConfigDefaults(t *testing.T) {
	var cfg *Config
	assert.Equal(t, MissingTemplateFallback, cfg.MissingTemplatePolicy())
	assert.Equal(t, 3.0, cfg.ImpactScore(domain.SeverityMajor))
	assert.Equal(t, "*/15 * * * *", cfg.SLAScanCron())
	assert.NoError(t, cfg.CheckMetadata(domain.Metadata{"x": 1.0}))
}

func TestStrictMetadata(t *testing.T) {
	cfg, err := FromYAML([]byte(`org:
  id: a
metadata:
  strict: true
  fields:
    lender: string
    rush: bool
`))
	require.NoError(t, err)
	require.NoError(t, cfg.CheckMetadata(domain.Metadata{"lender": "acme", "rush": true}))
	require.Error(t, cfg.CheckMetadata(domain.Metadata{"lender": 42.0}))
	require.Error(t, cfg.CheckMetadata(domain.Metadata{"unknown": "x"}))
}

func TestOverrideJustificationCanBeDisabled(t *testing.T) {
	cfg, err := FromYAML([]byte("org:\n  id: a\npolicies:\n  override:\n    require_justification: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.RequireOverrideJustification())
}

func TestWebhookValidation(t *testing.T) {
	_, err := FromYAML([]byte("org:\n  id: a\nwebhooks:\n  - url: ftp://x\n"))
	require.Error(t, err)

	cfg, err := FromYAML([]byte("org:\n  id: a\nwebhooks:\n  - url: https://hooks.example.com/x\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Webhooks[0].IsEnabled())
}
