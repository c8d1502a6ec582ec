// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the run configuration.
//
// The file is YAML with four sections (engine, store, telemetry, export).
// Missing keys keep the values of DefaultConfig; unknown keys are errors.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/wizenheimer/cyyrus/services/composer/engine"
	"github.com/wizenheimer/cyyrus/services/composer/export"
	"github.com/wizenheimer/cyyrus/services/composer/store"
	"github.com/wizenheimer/cyyrus/services/composer/telemetry"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the run configuration.
type Config struct {
	Engine    engine.Config    `yaml:"engine"`
	Store     store.Config     `yaml:"store"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Export    Export           `yaml:"export"`
}

// Export configures where and how datasets are written.
type Export struct {
	Format string `yaml:"format" validate:"required"`
	Dir    string `yaml:"dir" validate:"required"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Engine:    engine.DefaultConfig(),
		Store:     store.DefaultConfig(filepath.Join(Home(), "runs")),
		Telemetry: telemetry.DefaultConfig(),
		Export: Export{
			Format: string(export.FormatJSONL),
			Dir:    "dataset",
		},
	}
}

// Home returns the cyyrus state directory, $CYYRUS_HOME or ~/.cyyrus.
func Home() string {
	if h := os.Getenv("CYYRUS_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cyyrus"
	}
	return filepath.Join(home, ".cyyrus")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(Home(), "config.yaml")
}

// Load reads the configuration at path over the defaults.
//
// Description:
//
//	An empty path reads DefaultPath if it exists and otherwise returns the
//	defaults. A "~/" prefix in store.path and export.dir is expanded. The
//	result is validated.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, os.ErrNotExist):
		return cfg, cfg.Validate()
	default:
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Export.Dir = expandHome(cfg.Export.Dir)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	var problems []string

	if err := c.Engine.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.Telemetry.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		problems = append(problems, "store.path is required unless store.in_memory is set")
	}
	if err := validate.Struct(c.Export); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("export.%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	} else if _, err := export.ParseFormat(c.Export.Format); err != nil {
		problems = append(problems, "export.format: "+err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
