// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"fmt"
	"os"
	"strings"

	"github.com/wizenheimer/cyyrus/services/composer/types"
	"gopkg.in/yaml.v3"
)

// document mirrors the YAML layout. Ordered sections are kept as nodes and
// decoded by hand so declaration order survives.
type document struct {
	Spec    string                        `yaml:"spec"`
	Dataset datasetDocument               `yaml:"dataset"`
	Tasks   yaml.Node                     `yaml:"tasks"`
	Types   map[string]*types.Declaration `yaml:"types"`
	Columns yaml.Node                     `yaml:"columns"`
}

type datasetDocument struct {
	Metadata   Metadata        `yaml:"metadata"`
	Shuffle    shuffleDocument `yaml:"shuffle"`
	Splits     yaml.Node       `yaml:"splits"`
	Attributes Attributes      `yaml:"attributes"`
}

type shuffleDocument struct {
	Seed     *int64 `yaml:"seed"`
	Disabled bool   `yaml:"disabled"`
}

type taskDocument struct {
	Type       string         `yaml:"task_type"`
	Properties map[string]any `yaml:"task_properties"`
}

type columnDocument struct {
	TaskID      string    `yaml:"task_id"`
	Input       yaml.Node `yaml:"task_input"`
	Type        string    `yaml:"column_type"`
	Description string    `yaml:"description"`
}

// Load reads and parses the schema at path.
//
// Description:
//
//	Load does not run Validate; callers decide when surface validation
//	happens (the CLI validates immediately, tests often do not).
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", path, err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}
	spec.Path = path
	return spec, nil
}

// Parse decodes a schema document and applies defaults.
func Parse(data []byte) (*Spec, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	spec := &Spec{
		Version: strings.TrimSpace(doc.Spec),
		Types:   doc.Types,
		Dataset: Dataset{
			Metadata:   doc.Dataset.Metadata,
			Attributes: doc.Dataset.Attributes,
			Shuffle:    Shuffle{Disabled: doc.Dataset.Shuffle.Disabled},
		},
	}

	seedSet := false
	if doc.Dataset.Shuffle.Seed != nil {
		spec.Dataset.Shuffle.Seed = *doc.Dataset.Shuffle.Seed
		seedSet = true
	}

	splits, splitSeed, err := decodeSplits(&doc.Dataset.Splits)
	if err != nil {
		return nil, err
	}
	spec.Dataset.Splits = splits
	if !seedSet && splitSeed != nil {
		spec.Dataset.Shuffle.Seed = *splitSeed
		seedSet = true
	}

	if spec.Tasks, err = decodeTasks(&doc.Tasks); err != nil {
		return nil, err
	}
	if spec.Columns, err = decodeColumns(&doc.Columns); err != nil {
		return nil, err
	}

	spec.applyDefaults(seedSet)
	return spec, nil
}

// =============================================================================
// Ordered sections
// =============================================================================

func decodeTasks(node *yaml.Node) (Tasks, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %w: tasks must be a mapping of task id to task", node.Line, ErrMalformed)
	}

	tasks := make(Tasks, 0, len(node.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if seen[key.Value] {
			return nil, fmt.Errorf("line %d: %w: task %q", key.Line, ErrDuplicateID, key.Value)
		}
		seen[key.Value] = true

		var td taskDocument
		if err := value.Decode(&td); err != nil {
			return nil, fmt.Errorf("line %d: task %q: %w", value.Line, key.Value, err)
		}
		tasks = append(tasks, Task{
			ID:         key.Value,
			Kind:       strings.TrimSpace(td.Type),
			Properties: td.Properties,
		})
	}
	return tasks, nil
}

func decodeColumns(node *yaml.Node) (Columns, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: %w: columns must be a mapping of column id to column", node.Line, ErrMalformed)
	}

	cols := make(Columns, 0, len(node.Content)/2)
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if seen[key.Value] {
			return nil, fmt.Errorf("line %d: %w: column %q", key.Line, ErrDuplicateID, key.Value)
		}
		seen[key.Value] = true

		var cd columnDocument
		if err := value.Decode(&cd); err != nil {
			return nil, fmt.Errorf("line %d: column %q: %w", value.Line, key.Value, err)
		}
		inputs, err := decodeInputs(&cd.Input)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", key.Value, err)
		}
		cols = append(cols, Column{
			ID:          key.Value,
			TaskID:      strings.TrimSpace(cd.TaskID),
			Inputs:      inputs,
			Type:        strings.TrimSpace(cd.Type),
			Description: cd.Description,
		})
	}
	return cols, nil
}

// decodeInputs accepts a list of column ids, a single column id, or a
// mapping of column id to alias.
func decodeInputs(node *yaml.Node) ([]Input, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" || node.Value == "" {
			return nil, nil
		}
		return []Input{{Column: node.Value}}, nil
	case yaml.SequenceNode:
		inputs := make([]Input, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: %w: task_input entries must be column ids", item.Line, ErrMalformed)
			}
			inputs = append(inputs, Input{Column: item.Value})
		}
		return inputs, nil
	case yaml.MappingNode:
		inputs := make([]Input, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			in := Input{Column: node.Content[i].Value}
			if alias := node.Content[i+1]; alias.Kind == yaml.ScalarNode && alias.Tag != "!!null" {
				in.Alias = alias.Value
			}
			inputs = append(inputs, in)
		}
		return inputs, nil
	default:
		return nil, fmt.Errorf("line %d: %w: unsupported task_input", node.Line, ErrMalformed)
	}
}

// decodeSplits reads the ordered split mapping. A "seed" entry is returned
// separately for documents that keep the seed beside the fractions.
func decodeSplits(node *yaml.Node) (Splits, *int64, error) {
	if node.Kind == 0 {
		return nil, nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("line %d: %w: splits must be a mapping of split name to fraction", node.Line, ErrMalformed)
	}

	var (
		splits Splits
		seed   *int64
	)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if key.Value == "seed" {
			var s int64
			if err := value.Decode(&s); err != nil {
				return nil, nil, fmt.Errorf("line %d: %w: seed must be an integer", value.Line, ErrMalformed)
			}
			seed = &s
			continue
		}
		var f float64
		if err := value.Decode(&f); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w: split %q fraction must be a number", value.Line, ErrMalformed, key.Value)
		}
		splits = append(splits, Split{Name: key.Value, Fraction: f})
	}
	return splits, seed, nil
}
