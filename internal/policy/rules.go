package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

// Rule matches actions by kind and target. Empty Kinds matches every kind;
// empty Targets matches every target. A rule must set at least one of them.
type Rule struct {
	Name    string        `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	Kinds   []action.Kind `json:"kinds,omitempty" yaml:"kinds,omitempty" mapstructure:"kinds"`
	Targets []string      `json:"targets,omitempty" yaml:"targets,omitempty" mapstructure:"targets"`
}

// Validate rejects rules that would match everything or name unknown kinds.
func (r Rule) Validate() error {
	if len(r.Kinds) == 0 && len(r.Targets) == 0 {
		return fmt.Errorf("rule %q matches every action", r.label())
	}
	for _, kind := range r.Kinds {
		if !isKnownKind(kind) {
			return fmt.Errorf("rule %q: unknown kind %q", r.label(), kind)
		}
	}
	return nil
}

// Matches reports whether the rule applies to the action.
func (r Rule) Matches(a action.Action) bool {
	if a.IsZero() {
		return false
	}
	if len(r.Kinds) > 0 {
		found := false
		for _, kind := range r.Kinds {
			if kind == a.Kind() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.Targets) == 0 {
		return true
	}
	target := strings.ToLower(a.Target())
	for _, pattern := range r.Targets {
		if globMatch(strings.ToLower(strings.TrimSpace(pattern)), target) {
			return true
		}
	}
	return false
}

func (r Rule) label() string {
	if r.Name != "" {
		return r.Name
	}
	kinds := make([]string, 0, len(r.Kinds))
	for _, k := range r.Kinds {
		kinds = append(kinds, string(k))
	}
	return strings.Join(kinds, ",") + "[" + strings.Join(r.Targets, ",") + "]"
}

func firstMatch(rules []Rule, a action.Action) (Rule, bool) {
	for _, r := range rules {
		if r.Matches(a) {
			return r, true
		}
	}
	return Rule{}, false
}

func isKnownKind(kind action.Kind) bool {
	for _, k := range action.Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// globMatch matches s against a pattern where '*' spans any run of
// characters (including '/') and '?' matches one character.
func globMatch(pattern, s string) bool {
	p, n := []rune(pattern), []rune(s)
	pi, ni := 0, 0
	star, mark := -1, 0
	for ni < len(n) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]):
			pi++
			ni++
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, ni
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			ni = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// File is the on-disk policy document.
type File struct {
	WriteLock     *bool    `yaml:"write_lock,omitempty"`
	Allow         []Rule   `yaml:"allow,omitempty"`
	Deny          []Rule   `yaml:"deny,omitempty"`
	HostProcesses []string `yaml:"host_processes,omitempty"`
}

// LoadFile reads and validates a YAML policy file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read policy file: %w", err)
	}
	var f File
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if strings.TrimSpace(string(data)) == "" {
			return File{}, nil
		}
		return File{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := ValidateRules(f.Allow); err != nil {
		return File{}, fmt.Errorf("policy file allow list: %w", err)
	}
	if err := ValidateRules(f.Deny); err != nil {
		return File{}, fmt.Errorf("policy file deny list: %w", err)
	}
	return f, nil
}

// ValidateRules validates every rule in order.
func ValidateRules(rules []Rule) error {
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}
