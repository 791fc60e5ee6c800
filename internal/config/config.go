package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models rosterline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	SMS struct {
		FromNumber      string   `yaml:"from_number"`
		MaxLength       int      `yaml:"max_length"`
		RequiredPhrases []string `yaml:"required_phrases"`
	} `yaml:"sms"`
	LLM struct {
		Model     string `yaml:"model"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"llm"`
	Planner struct {
		TimeoutMS     int  `yaml:"timeout_ms"`
		LenientRepair bool `yaml:"lenient_repair"`
	} `yaml:"planner"`
	Dispatch struct {
		PendingExpiryMinutes int `yaml:"pending_expiry_minutes"`
	} `yaml:"dispatch"`
	Directory struct {
		StaffPhones   []string `yaml:"staff_phones"`
		DefaultCampus string   `yaml:"default_campus"`
		Campuses      []string `yaml:"campuses"`
	} `yaml:"directory"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl project config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "staffing-project" {
		return fmt.Errorf("config.project.kind must be 'staffing-project'")
	}
	if c.SMS.MaxLength <= 0 {
		return fmt.Errorf("config.sms.max_length must be positive")
	}
	for i, phrase := range c.SMS.RequiredPhrases {
		if phrase == "" {
			return fmt.Errorf("config.sms.required_phrases[%d] is empty", i)
		}
		if len(phrase) > c.SMS.MaxLength {
			return fmt.Errorf("required phrase %q exceeds sms.max_length", phrase)
		}
	}
	if c.Planner.TimeoutMS <= 0 {
		return fmt.Errorf("config.planner.timeout_ms must be positive")
	}
	if c.Dispatch.PendingExpiryMinutes <= 0 {
		return fmt.Errorf("config.dispatch.pending_expiry_minutes must be positive")
	}
	if c.Directory.DefaultCampus == "" {
		return fmt.Errorf("config.directory.default_campus is required")
	}
	seen := map[string]bool{}
	for _, campus := range c.Directory.Campuses {
		if campus == "" {
			return fmt.Errorf("config.directory.campuses contains an empty entry")
		}
		if seen[campus] {
			return fmt.Errorf("config.directory.campuses lists %s twice", campus)
		}
		seen[campus] = true
	}
	if len(c.Directory.Campuses) > 0 && !seen[c.Directory.DefaultCampus] {
		return fmt.Errorf("default campus %s not in campuses list", c.Directory.DefaultCampus)
	}
	for _, phone := range c.Directory.StaffPhones {
		if phone == "" {
			return fmt.Errorf("config.directory.staff_phones contains an empty entry")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rosterline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "staffing-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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

const defaultTemplate = `project:
  id: %s
  kind: staffing-project

sms:
  from_number: "+15550000000"
  max_length: 160
  required_phrases:
    - "Reply YES or NO"

llm:
  model: gemini-2.0-flash
  api_key_env: GEMINI_API_KEY

planner:
  timeout_ms: 8000
  lenient_repair: true

dispatch:
  pending_expiry_minutes: 10

directory:
  default_campus: default
  campuses: [default]
  staff_phones: []
`
