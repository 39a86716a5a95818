package sanitizer

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule defines a single blocking rule. Patterns are RE2 regular
// expressions matched against the raw command text.
type Rule struct {
	ID          string `yaml:"id"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description,omitempty"`
	Enabled     bool   `yaml:"enabled"`
}

// Policy is a replaceable collection of rules.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	id   string
	desc string
	re   *regexp.Regexp
}

// DefaultPolicy returns the built-in blocklist. The exact set is expected
// to evolve; deployments replace it wholesale via a YAML policy file.
func DefaultPolicy() *Policy {
	return &Policy{Rules: []Rule{
		{
			ID:          "recursive-root-delete",
			Pattern:     `(?i)\brm\s+(-[^\s]+\s+)+(/|/\*)\s*$`,
			Description: "recursive delete targeting the filesystem root",
			Enabled:     true,
		},
		{
			ID:          "no-preserve-root",
			Pattern:     `--no-preserve-root`,
			Description: "explicit root-preservation bypass",
			Enabled:     true,
		},
		{
			ID:          "fork-bomb",
			Pattern:     `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;?\s*:`,
			Description: "shell fork bomb",
			Enabled:     true,
		},
		{
			ID:          "command-substitution",
			Pattern:     `\$\([^)]*\)`,
			Description: "command substitution",
			Enabled:     true,
		},
		{
			ID:          "backtick-substitution",
			Pattern:     "`[^`]*`",
			Description: "backtick substitution",
			Enabled:     true,
		},
		{
			ID:          "curl-pipe-shell",
			Pattern:     `(?i)\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`,
			Description: "remote script piped into a shell",
			Enabled:     true,
		},
		{
			ID:          "raw-disk-write",
			Pattern:     `(?i)\bdd\b[^|;&]*\bof=/dev/(sd|hd|nvme|disk)`,
			Description: "direct write to a block device",
			Enabled:     true,
		},
		{
			ID:          "mkfs",
			Pattern:     `(?i)\bmkfs(\.\w+)?\b`,
			Description: "filesystem format",
			Enabled:     true,
		},
		{
			ID:          "chaining-operators",
			Pattern:     `(;|&&|\|\|)`,
			Description: "command chaining",
			Enabled:     false,
		},
	}}
}

// LoadPolicyFile reads a YAML policy file.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy parses YAML bytes into a Policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	return &p, nil
}

func compilePolicy(p *Policy) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(p.Rules))
	for _, rule := range p.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid pattern: %w", rule.ID, err)
		}
		compiled = append(compiled, compiledRule{id: rule.ID, desc: rule.Description, re: re})
	}
	return compiled, nil
}
