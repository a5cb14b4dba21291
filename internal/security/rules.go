package security

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules/default.yaml
var defaultRules []byte

// Rule is one compiled pattern rule.
type Rule struct {
	ID             string
	Severity       Severity
	Description    string
	Recommendation string
	Globs          []string

	pattern *regexp.Regexp
	allow   *regexp.Regexp
}

type ruleFile struct {
	Rules []ruleDef `yaml:"rules"`
}

type ruleDef struct {
	ID             string   `yaml:"id"`
	Severity       string   `yaml:"severity"`
	Pattern        string   `yaml:"pattern"`
	Allow          string   `yaml:"allow"`
	Description    string   `yaml:"description"`
	Recommendation string   `yaml:"recommendation"`
	Globs          []string `yaml:"globs"`
}

// DefaultRules returns the built-in rule pack.
func DefaultRules() []Rule {
	rules, err := LoadRules(bytes.NewReader(defaultRules))
	if err != nil {
		panic(fmt.Sprintf("security: built-in rules: %v", err))
	}
	return rules
}

// LoadRules parses a YAML rule pack.
func LoadRules(r io.Reader) ([]Rule, error) {
	var rf ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	seen := make(map[string]bool, len(rf.Rules))
	out := make([]Rule, 0, len(rf.Rules))
	for i, def := range rf.Rules {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("rule %s: duplicate id", id)
		}
		seen[id] = true
		sev, err := ParseSeverity(def.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", id, err)
		}
		re, err := regexp.Compile(def.Pattern)
		if err != nil || def.Pattern == "" {
			return nil, fmt.Errorf("rule %s: invalid pattern: %v", id, err)
		}
		rule := Rule{
			ID:             id,
			Severity:       sev,
			Description:    strings.TrimSpace(def.Description),
			Recommendation: strings.TrimSpace(def.Recommendation),
			pattern:        re,
		}
		if def.Allow != "" {
			if rule.allow, err = regexp.Compile(def.Allow); err != nil {
				return nil, fmt.Errorf("rule %s: invalid allow pattern: %w", id, err)
			}
		}
		for _, g := range def.Globs {
			if _, err := path.Match(g, ""); err != nil {
				return nil, fmt.Errorf("rule %s: invalid glob %q: %w", id, g, err)
			}
			rule.Globs = append(rule.Globs, g)
		}
		out = append(out, rule)
	}
	return out, nil
}

// LoadRulesFile reads a rule pack from disk.
func LoadRulesFile(name string) ([]Rule, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open rules %s: %w", name, err)
	}
	defer f.Close()
	return LoadRules(f)
}

// Applies reports whether the rule covers filePath. A glob without a slash
// matches the base name.
func (r Rule) Applies(filePath string) bool {
	if len(r.Globs) == 0 {
		return true
	}
	base := path.Base(filePath)
	for _, g := range r.Globs {
		target := base
		if strings.Contains(g, "/") {
			target = filePath
		}
		if ok, _ := path.Match(g, target); ok {
			return true
		}
	}
	return false
}

// Match reports whether line violates the rule.
func (r Rule) Match(line string) bool {
	loc := r.pattern.FindStringIndex(line)
	if loc == nil {
		return false
	}
	if r.allow != nil && r.allow.MatchString(line[loc[0]:loc[1]]) {
		return false
	}
	return true
}
