package access

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules is the schema of the optional YAML rules file. It extends (never
// replaces) the lists carried in the JSON config, so deployments can keep
// tokens in config and share the allow-lists separately.
type Rules struct {
	PrivilegedUsers []string `yaml:"privilegedUsers"`
	AllowedChannels []string `yaml:"allowedChannels"`
}

// LoadRules reads and parses a YAML rules file. A missing file is not an
// error; it returns (nil, nil) so callers fall back to config lists.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return &rules, nil
}
