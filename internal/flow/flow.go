// Package flow loads declarative flows and runs them, one browser session
// per flow, through the step coordinator.
package flow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flow is an ordered list of natural-language steps.
type Flow struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	URL         string            `yaml:"url,omitempty" json:"url,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps       []string          `yaml:"steps" json:"steps"`
	// StopOnError overrides the runner default when set.
	StopOnError *bool         `yaml:"stopOnError,omitempty" json:"stopOnError,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type document struct {
	Flows []Flow `yaml:"flows"`
}

// LoadFile reads a flow file.
func LoadFile(path string) ([]Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flows: %w", err)
	}
	flows, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return flows, nil
}

// Parse decodes a YAML document with a top-level flows list. Unknown keys
// are rejected so typos do not silently drop settings.
func Parse(data []byte) ([]Flow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no flows defined")
		}
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if len(doc.Flows) == 0 {
		return nil, errors.New("no flows defined")
	}
	seen := make(map[string]struct{}, len(doc.Flows))
	for i := range doc.Flows {
		f := &doc.Flows[i]
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "" {
			return nil, fmt.Errorf("flow %d: name is required", i+1)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("flow %q: duplicate name", f.Name)
		}
		seen[f.Name] = struct{}{}
		if len(f.Steps) == 0 {
			return nil, fmt.Errorf("flow %q: no steps", f.Name)
		}
		for j, s := range f.Steps {
			if strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("flow %q: step %d is empty", f.Name, j+1)
			}
		}
		if f.Timeout < 0 {
			return nil, fmt.Errorf("flow %q: negative timeout", f.Name)
		}
	}
	return doc.Flows, nil
}

// Filter keeps flows carrying tag (when set) and named name (when set).
// Matching is case-insensitive.
func Filter(flows []Flow, tag, name string) []Flow {
	tag, name = strings.TrimSpace(tag), strings.TrimSpace(name)
	out := make([]Flow, 0, len(flows))
	for _, f := range flows {
		if name != "" && !strings.EqualFold(f.Name, name) {
			continue
		}
		if tag != "" && !slices.ContainsFunc(f.Tags, func(t string) bool { return strings.EqualFold(t, tag) }) {
			continue
		}
		out = append(out, f)
	}
	return out
}
