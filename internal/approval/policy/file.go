package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the YAML shape of a policy rules file:
//
//	default_action: ask_user
//	active: true
//	rules:
//	  - name: block-rm
//	    type: tool_call
//	    subject: "^execute_command$"
//	    conditions:
//	      command_contains: "rm -rf"
//	    action: reject
//	    priority: 200
type fileFormat struct {
	DefaultAction Action `yaml:"default_action"`
	Active        *bool  `yaml:"active,omitempty"`
	Rules         []Rule `yaml:"rules"`
}

// LoadFile reads a policy rule set from a YAML file. Rules keep file
// order for priority ties.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var spec fileFormat
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	p := New(spec.DefaultAction)
	if spec.Active != nil {
		p.SetActive(*spec.Active)
	}
	for _, rule := range spec.Rules {
		if err := p.AddRule(rule); err != nil {
			return nil, fmt.Errorf("policy file %s: %w", path, err)
		}
	}
	return p, nil
}
