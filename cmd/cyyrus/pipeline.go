// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/wizenheimer/cyyrus/services/composer/graph"
	"github.com/wizenheimer/cyyrus/services/composer/schema"
	"github.com/wizenheimer/cyyrus/services/composer/types"
)

// pipeline is a schema that passed every build-time check.
type pipeline struct {
	spec        *schema.Spec
	types       *types.Registry
	plan        *graph.Plan
	fingerprint string
}

// loadPipeline loads a schema and runs surface validation, type
// resolution, and graph building in that order.
func loadPipeline(path string) (*pipeline, error) {
	spec, err := schema.Load(path)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	reg, err := types.NewRegistry(spec.Types)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	plan, err := graph.FromSpec(spec, reg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fp, err := spec.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("%s: fingerprint: %w", path, err)
	}
	return &pipeline{spec: spec, types: reg, plan: plan, fingerprint: fp}, nil
}
