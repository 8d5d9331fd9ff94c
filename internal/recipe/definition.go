// Package recipe holds the wafer-transfer recipe model and the Hub that
// owns the active recipe and its execution state machine.
package recipe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Recipe struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

type Step struct {
	Name   string `json:"name" yaml:"name"`
	Action Action `json:"action" yaml:"action"`

	// Teaching coordinate (group + location)
	Group    string `json:"group,omitempty" yaml:"group,omitempty"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`

	Slot    int      `json:"slot,omitempty" yaml:"slot,omitempty"`
	Speed   float64  `json:"speed,omitempty" yaml:"speed,omitempty"` // percent of max, 0 = default
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type Action string

const (
	ActionMove  Action = "move"
	ActionPick  Action = "pick"
	ActionPlace Action = "place"
	ActionHome  Action = "home"
	ActionWait  Action = "wait"
)

// NeedsCoordinate reports whether the action drives the arm to a taught
// position.
func (a Action) NeedsCoordinate() bool {
	switch a {
	case ActionMove, ActionPick, ActionPlace:
		return true
	}
	return false
}

func (a Action) Known() bool {
	switch a {
	case ActionMove, ActionPick, ActionPlace, ActionHome, ActionWait:
		return true
	}
	return false
}

// Duration is a wrapper around time.Duration that supports string parsing
// ("2s", "100ms") in JSON and YAML.
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses duration from string like "2s", "100ms", etc.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		return err
	default:
		return fmt.Errorf("invalid duration type: %T", value)
	}
}

// MarshalJSON serializes duration as string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ParseJSON checks the document against the recipe schema before decoding.
func ParseJSON(data []byte) (*Recipe, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}

	var r Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ParseYAML decodes a YAML recipe and runs it through the same schema check
// as JSON documents.
func ParseYAML(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	normalized, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize recipe: %w", err)
	}
	if err := validateDocument(normalized); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadFile reads a .json, .yaml or .yml recipe document.
func LoadFile(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unsupported recipe file type: %s", filepath.Ext(path))
	}
}

func (r *Recipe) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
