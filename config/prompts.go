package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PromptPolicy overrides one script policy. Zero fields keep the built-in value.
type PromptPolicy struct {
	SystemPrompt string `yaml:"system_prompt"`
	Model        string `yaml:"model"`
	MaxWords     int    `yaml:"max_words"`
}

// Prompts is the optional PROMPTS_FILE document.
//
//	script:
//	  Quiz:
//	    system_prompt: |
//	      ...
//	subjects: |
//	  ...
type Prompts struct {
	Script   map[string]PromptPolicy `yaml:"script"`
	Subjects string                  `yaml:"subjects"`
}

// LoadPrompts reads the override file. An empty path yields empty overrides.
func LoadPrompts(path string) (*Prompts, error) {
	p := &Prompts{}
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	return p, nil
}
