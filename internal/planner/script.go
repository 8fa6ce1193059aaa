package planner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/NOVA-ALLRounder/main-sub001/internal/action"
)

// LoadScript reads a list of actions in wire form from a JSON or YAML file
// and returns a Scripted planner replaying them. Every action is validated
// so a bad script fails before any session starts. A YAML entry looks like
// `{kind: shell_exec, shell_exec: {command: "make test"}}`.
func LoadScript(path string) (*Scripted, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	data := raw
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc []map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse script %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("convert script %s: %w", path, err)
		}
	}

	var actions []action.Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("script %s has no actions", path)
	}
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("script %s step %d: %w", path, i+1, err)
		}
	}
	return NewScripted(actions...), nil
}
