package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy names select how a workflow's steps advance.
const (
	PolicySymmetric   = "symmetric"
	PolicyForwardOnly = "forward_only"
)

// Config models caseline.yml. It holds the workflow catalog, the document
// requirement catalog, the responsible-party roster and the webhook targets.
type Config struct {
	Office struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"office" json:"office"`
	Workflows struct {
		Default string                  `yaml:"default" json:"default"`
		Catalog map[string]WorkflowSpec `yaml:"catalog" json:"catalog"`
	} `yaml:"workflows" json:"workflows"`
	Requirements struct {
		Sets    []RequirementSet   `yaml:"sets" json:"sets"`
		Default []RequirementGroup `yaml:"default" json:"default"`
	} `yaml:"requirements" json:"requirements"`
	Roster   []RosterEntry   `yaml:"roster" json:"roster"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Relay    struct {
		URL            string `yaml:"url,omitempty" json:"url,omitempty"`
		TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	} `yaml:"relay" json:"relay"`
}

// WorkflowSpec is one case type's ordered step list. By catalog convention
// the first step is document intake and the last is process finalization.
type WorkflowSpec struct {
	Policy     string   `yaml:"policy" json:"policy"`
	Steps      []string `yaml:"steps" json:"steps"`
	GateIntake bool     `yaml:"gate_intake,omitempty" json:"gate_intake,omitempty"`
}

// RequirementSet binds a document checklist to a case type, optionally
// refined by country.
type RequirementSet struct {
	CaseType string             `yaml:"case_type" json:"case_type"`
	Country  string             `yaml:"country,omitempty" json:"country,omitempty"`
	Groups   []RequirementGroup `yaml:"groups" json:"groups"`
}

type RequirementGroup struct {
	Group string        `yaml:"group" json:"group"`
	Docs  []Requirement `yaml:"docs" json:"docs"`
}

// Requirement names one document a case type mandates. Key matches the
// field_name tag on uploaded documents. Mandatory requirements gate the
// intake step when the workflow enables gating.
type Requirement struct {
	Key       string `yaml:"key" json:"key"`
	Label     string `yaml:"label" json:"label"`
	Mandatory bool   `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
}

// RosterEntry is one "role – name" pair used to attribute note authors.
type RosterEntry struct {
	Role string `yaml:"role" json:"role"`
	Name string `yaml:"name" json:"name"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Office.ID == "" {
		return fmt.Errorf("config.office.id is required")
	}
	if len(c.Workflows.Catalog) == 0 {
		return fmt.Errorf("config.workflows.catalog is required")
	}
	if c.Workflows.Default == "" {
		return fmt.Errorf("config.workflows.default is required")
	}
	if _, ok := c.Workflows.Catalog[c.Workflows.Default]; !ok {
		return fmt.Errorf("default workflow %s not in catalog", c.Workflows.Default)
	}
	for caseType, wf := range c.Workflows.Catalog {
		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %s has no steps", caseType)
		}
		switch wf.Policy {
		case PolicySymmetric, PolicyForwardOnly:
		default:
			return fmt.Errorf("workflow %s has unknown policy %q", caseType, wf.Policy)
		}
		for i, s := range wf.Steps {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("workflow %s step %d is empty", caseType, i)
			}
		}
	}
	for _, set := range c.Requirements.Sets {
		if set.CaseType == "" {
			return fmt.Errorf("requirement set without case_type")
		}
		if err := validateGroups(set.CaseType, set.Groups); err != nil {
			return err
		}
	}
	if err := validateGroups("default", c.Requirements.Default); err != nil {
		return err
	}
	for i, entry := range c.Roster {
		if strings.TrimSpace(entry.Name) == "" {
			return fmt.Errorf("roster entry %d has empty name", i)
		}
	}
	return nil
}

func validateGroups(owner string, groups []RequirementGroup) error {
	seen := map[string]bool{}
	for _, g := range groups {
		if g.Group == "" {
			return fmt.Errorf("requirement set %s has unnamed group", owner)
		}
		for _, d := range g.Docs {
			if d.Key == "" {
				return fmt.Errorf("requirement set %s group %s has doc without key", owner, g.Group)
			}
			if seen[d.Key] {
				return fmt.Errorf("requirement set %s has duplicate key %s", owner, d.Key)
			}
			seen[d.Key] = true
		}
	}
	return nil
}

// Default returns the default Config struct for an office.
func Default(officeID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, officeID))).Decode(&cfg)
	cfg.Office.ID = officeID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(officeID string) string {
	return fmt.Sprintf(defaultTemplate, officeID)
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

const defaultTemplate = `office:
  id: %s
  name: Default Office

workflows:
  default: visa-work
  catalog:
    visa-work:
      policy: symmetric
      gate_intake: true
      steps:
        - Document intake
        - Certified translations
        - Consulate scheduling
        - Application filed
        - Decision received
        - Process finalized
    visa-family:
      policy: symmetric
      gate_intake: true
      steps:
        - Document intake
        - Kinship evidence review
        - Application filed
        - Decision received
        - Process finalized
    civil-action:
      policy: forward_only
      steps:
        - Document intake
        - Power of attorney signed
        - Initial petition drafted
        - Petition filed
        - Hearing scheduled
        - Judgment received
        - Process finalized

requirements:
  sets:
    - case_type: visa-work
      country: portugal
      groups:
        - group: Identity
          docs:
            - { key: passaporte, label: Passport, mandatory: true }
            - { key: rnm, label: Residence card (RNM) }
        - group: Employment
          docs:
            - { key: contratoTrabalho, label: Employment contract, mandatory: true }
            - { key: traducaoJuramentada, label: Certified translation of contract }
    - case_type: visa-work
      groups:
        - group: Identity
          docs:
            - { key: passaporte, label: Passport, mandatory: true }
        - group: Employment
          docs:
            - { key: contratoTrabalho, label: Employment contract, mandatory: true }
    - case_type: visa-family
      groups:
        - group: Identity
          docs:
            - { key: rnmMae, label: Mother residence card (RNM), mandatory: true }
            - { key: rnmPai, label: Father residence card (RNM), mandatory: true }
            - { key: certidaoNascimento, label: Birth certificate, mandatory: true }
    - case_type: civil-action
      groups:
        - group: Parties
          docs:
            - { key: cpf, label: Taxpayer registry (CPF) }
            - { key: comprovanteResidencia, label: Proof of residence }
        - group: Filing
          docs:
            - { key: procuracao, label: Power of attorney }
  default:
    - group: Identity
      docs:
        - { key: documentoIdentidade, label: Identity document }

roster:
  - { role: Advogada, name: Ana }
  - { role: Advogado, name: Bruno }
  - { role: Paralegal, name: Carla }

relay:
  timeout_seconds: 5
`
