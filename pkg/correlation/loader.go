package correlation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
)

// RuleFile is the on-disk layout of a rules document.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes and validates a YAML rules document. Every rule must
// compile; the first failure aborts the whole document.
func ParseRules(data []byte) ([]Rule, error) {
	var doc RuleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.NewConfigError("rule_loader", fmt.Sprintf("invalid rules document: %v", err), nil)
	}

	seen := make(map[string]struct{}, len(doc.Rules))
	for _, r := range doc.Rules {
		if err := Validate(r); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, apperrors.NewConfigError("rule_loader", fmt.Sprintf("duplicate rule id %q", r.ID), nil)
		}
		seen[r.ID] = struct{}{}
	}
	return doc.Rules, nil
}

// LoadRules reads a YAML rules file from path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	return ParseRules(data)
}
