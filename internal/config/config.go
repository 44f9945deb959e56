package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"prodline/internal/domain"
)

// Missing template policies.
const (
	MissingTemplateBlock    = "block"
	MissingTemplateFallback = "fallback_default"
	MissingTemplateEmpty    = "empty"
)

// Config models the per-org prodline.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Policies struct {
		MissingTemplate         string   `yaml:"missing_template"`
		ChecklistOptionalStages []string `yaml:"checklist_optional_stages"`
		Override                struct {
			RequireJustification *bool `yaml:"require_justification"`
		} `yaml:"override"`
		Corrections struct {
			DefaultSeverity string `yaml:"default_severity"`
		} `yaml:"corrections"`
		WorkHistory struct {
			Impact map[string]float64 `yaml:"impact"`
		} `yaml:"work_history"`
	} `yaml:"policies"`
	SLA struct {
		Stages map[string]SLAStage `yaml:"stages"`
	} `yaml:"sla"`
	Scheduler struct {
		SLAScanCron string `yaml:"sla_scan_cron"`
	} `yaml:"scheduler"`
	Metadata struct {
		Strict bool              `yaml:"strict"`
		Fields map[string]string `yaml:"fields"`
	} `yaml:"metadata"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SLAStage struct {
	Days float64 `yaml:"days"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled defaults to true when unset.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	switch c.Policies.MissingTemplate {
	case "", MissingTemplateBlock, MissingTemplateFallback, MissingTemplateEmpty:
	default:
		return fmt.Errorf("config.policies.missing_template must be one of block, fallback_default, empty")
	}
	for _, s := range c.Policies.ChecklistOptionalStages {
		if _, err := domain.ParseStage(s); err != nil {
			return fmt.Errorf("config.policies.checklist_optional_stages: %w", err)
		}
	}
	if sev := c.Policies.Corrections.DefaultSeverity; sev != "" && !domain.ValidSeverity(sev) {
		return fmt.Errorf("config.policies.corrections.default_severity %q is not a severity", sev)
	}
	for sev, score := range c.Policies.WorkHistory.Impact {
		if !domain.ValidSeverity(sev) {
			return fmt.Errorf("config.policies.work_history.impact has unknown severity %s", sev)
		}
		if score < 0 {
			return fmt.Errorf("impact score for %s must not be negative", sev)
		}
	}
	for stage, sla := range c.SLA.Stages {
		if _, err := domain.ParseStage(stage); err != nil {
			return fmt.Errorf("config.sla.stages: %w", err)
		}
		if sla.Days < 0 {
			return fmt.Errorf("sla for %s must not be negative", stage)
		}
	}
	if spec := c.Scheduler.SLAScanCron; spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("config.scheduler.sla_scan_cron: %w", err)
		}
	}
	for key, kind := range c.Metadata.Fields {
		switch kind {
		case "string", "number", "bool":
		default:
			return fmt.Errorf("metadata field %s has unsupported type %q", key, kind)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("webhooks[%d].url must be http(s)", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// MissingTemplatePolicy returns the configured policy, fallback_default when unset.
func (c *Config) MissingTemplatePolicy() string {
	if c == nil || c.Policies.MissingTemplate == "" {
		return MissingTemplateFallback
	}
	return c.Policies.MissingTemplate
}

// ChecklistOptional reports whether a stage may legitimately have no template tasks.
func (c *Config) ChecklistOptional(stage domain.Stage) bool {
	stages := []string{string(domain.StageDelivered), string(domain.StageWorkfile)}
	if c != nil && c.Policies.ChecklistOptionalStages != nil {
		stages = c.Policies.ChecklistOptionalStages
	}
	for _, s := range stages {
		if strings.EqualFold(strings.TrimSpace(s), string(stage)) {
			return true
		}
	}
	return false
}

func (c *Config) RequireOverrideJustification() bool {
	if c == nil || c.Policies.Override.RequireJustification == nil {
		return true
	}
	return *c.Policies.Override.RequireJustification
}

func (c *Config) DefaultSeverity() string {
	if c == nil || c.Policies.Corrections.DefaultSeverity == "" {
		return domain.SeverityMinor
	}
	return c.Policies.Corrections.DefaultSeverity
}

var defaultImpact = map[string]float64{
	domain.SeverityMinor:    1,
	domain.SeverityMajor:    3,
	domain.SeverityCritical: 5,
}

// ImpactScore maps a correction severity to its work history weight.
func (c *Config) ImpactScore(severity string) float64 {
	if c != nil {
		if v, ok := c.Policies.WorkHistory.Impact[severity]; ok {
			return v
		}
	}
	return defaultImpact[severity]
}

var defaultSLADays = map[domain.Stage]float64{
	domain.StageIntake:           1,
	domain.StageScheduling:       1,
	domain.StageScheduled:        1,
	domain.StageInspected:        1,
	domain.StageFinalization:     1,
	domain.StageReadyForDelivery: 1,
	domain.StageDelivered:        1,
	domain.StageCorrection:       2,
	domain.StageRevision:         2,
}

// SLADays returns the stage SLA in days; zero means the stage has no SLA.
func (c *Config) SLADays(stage domain.Stage) float64 {
	if c != nil {
		for k, v := range c.SLA.Stages {
			if strings.EqualFold(k, string(stage)) {
				return v.Days
			}
		}
	}
	return defaultSLADays[stage]
}

func (c *Config) SLAScanCron() string {
	if c == nil || c.Scheduler.SLAScanCron == "" {
		return "*/15 * * * *"
	}
	return c.Scheduler.SLAScanCron
}

// CheckMetadata applies the strict metadata schema when enabled.
func (c *Config) CheckMetadata(m domain.Metadata) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if c == nil || !c.Metadata.Strict {
		return nil
	}
	for _, k := range m.Keys() {
		want, ok := c.Metadata.Fields[k]
		if !ok {
			return fmt.Errorf("metadata key %s is not declared", k)
		}
		got := domain.ScalarKind(m[k])
		if got != "null" && got != want {
			return fmt.Errorf("metadata %s must be %s, got %s", k, want, got)
		}
	}
	return nil
}

// Permissions returns every permission named by any role, sorted.
func (c *Config) Permissions() []string {
	set := map[string]struct{}{}
	for _, role := range c.RBAC.Roles {
		for _, p := range role.Permissions {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "prodline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl org config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID, orgID)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(orgID))).Decode(&cfg)
	cfg.Org.ID = orgID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML serializes the config for storage.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `org:
  id: %s
  name: %s

policies:
  missing_template: fallback_default
  checklist_optional_stages: [DELIVERED, WORKFILE]
  override:
    require_justification: true
  corrections:
    default_severity: minor
  work_history:
    impact:
      minor: 1
      major: 3
      critical: 5

sla:
  stages:
    INTAKE: {days: 1}
    SCHEDULING: {days: 1}
    SCHEDULED: {days: 1}
    INSPECTED: {days: 1}
    FINALIZATION: {days: 1}
    READY_FOR_DELIVERY: {days: 1}
    DELIVERED: {days: 1}
    CORRECTION: {days: 2}
    REVISION: {days: 2}
    ON_HOLD: {days: 0}
    CANCELLED: {days: 0}

scheduler:
  sla_scan_cron: "*/15 * * * *"

metadata:
  strict: false

rbac:
  roles:
    owner:
      description: "Organization owner"
      permissions: [card.read, card.write, card.advance, card.override, task.write, template.read, template.write, correction.create, correction.review, correction.read_all, correction.admin, history.read, history.export, alert.read, alert.write, events.read, rbac.manage, apikey.manage]
    admin:
      description: "Production administrator"
      permissions: [card.read, card.write, card.advance, card.override, task.write, template.read, template.write, correction.create, correction.review, correction.read_all, correction.admin, history.read, history.export, alert.read, alert.write, events.read, apikey.manage]
    reviewer:
      description: "Quality reviewer"
      permissions: [card.read, card.advance, task.write, template.read, correction.create, correction.review, correction.read_all, history.read, alert.read, events.read]
    appraiser:
      description: "Field or desk appraiser"
      permissions: [card.read, card.advance, task.write, template.read, correction.create, history.read, alert.read]
    viewer:
      description: "Read-only access"
      permissions: [card.read, template.read, history.read, alert.read, events.read]

webhooks: []
`
