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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const invoiceSchema = `
spec: v0
dataset:
  metadata:
    name: Invoice Dataset
    tags: [invoice, finance]
  shuffle:
    seed: 7
  splits:
    train: 0.8
    test: 0.2
  attributes:
    required_columns: [invoice_id]
    unique_columns: [invoice_id]
    nulls: exclude
tasks:
  invoice_parsing:
    task_type: parsing
    task_properties:
      directory: ./invoices
      file_type: pdf
  extract_info:
    task_type: generation
    task_properties:
      prompt: "Extract customer info from {parsed_invoice}"
      response_format: customer_info
types:
  customer_info:
    type: object
    properties:
      name: string
columns:
  parsed_invoice:
    task_id: invoice_parsing
  customer_info:
    task_id: extract_info
    task_input: [parsed_invoice]
    column_type: customer_info
  invoice_id:
    task_id: extract_info
    task_input:
      parsed_invoice: invoice
`

func TestParse_InvoiceSchema(t *testing.T) {
	spec, err := Parse([]byte(invoiceSchema))
	require.NoError(t, err)
	require.NoError(t, spec.Validate())

	assert.Equal(t, Version, spec.Version)
	assert.Equal(t, "Invoice Dataset", spec.Dataset.Metadata.Name)
	assert.Equal(t, DefaultLicense, spec.Dataset.Metadata.License)
	assert.Equal(t, []string{"en"}, spec.Dataset.Metadata.Languages)
	assert.Equal(t, int64(7), spec.Dataset.Shuffle.Seed)
	assert.Equal(t, Splits{{"train", 0.8}, {"test", 0.2}}, spec.Dataset.Splits)
	assert.Equal(t, NullsExclude, spec.Dataset.Attributes.Nulls)
	assert.Equal(t, DefaultNullToken, spec.Dataset.Attributes.NullToken)

	require.Len(t, spec.Tasks, 2)
	assert.Equal(t, "invoice_parsing", spec.Tasks[0].ID)
	assert.Equal(t, "generation", spec.Tasks[1].Kind)
	assert.Equal(t, "customer_info", spec.Tasks[1].ResponseFormat)

	assert.Equal(t, []string{"parsed_invoice", "customer_info", "invoice_id"}, spec.Columns.IDs())
	root, ok := spec.Columns.Get("parsed_invoice")
	require.True(t, ok)
	assert.True(t, root.IsRoot())

	inv, _ := spec.Columns.Get("invoice_id")
	require.Len(t, inv.Inputs, 1)
	assert.Equal(t, "parsed_invoice", inv.Inputs[0].Column)
	assert.Equal(t, "invoice", inv.Inputs[0].Name())

	cust, _ := spec.Columns.Get("customer_info")
	assert.Equal(t, []string{"parsed_invoice"}, cust.InputIDs())
	assert.Equal(t, "parsed_invoice", cust.Inputs[0].Name())

	require.Contains(t, spec.Types, "customer_info")
}

func TestParse_Defaults(t *testing.T) {
	doc := `
spec: v0
tasks:
  gen:
    task_type: generation
columns:
  a:
    task_id: gen
`
	spec, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, DefaultName, spec.Dataset.Metadata.Name)
	assert.Equal(t, DefaultDescription, spec.Dataset.Metadata.Description)
	assert.Equal(t, []string{"dataset"}, spec.Dataset.Metadata.Tags)
	assert.Equal(t, DefaultSeed, spec.Dataset.Shuffle.Seed)
	assert.Equal(t, Splits{{"train", 0.8}, {"test", 0.2}}, spec.Dataset.Splits)
	assert.Equal(t, NullsInclude, spec.Dataset.Attributes.Nulls)
}

func TestParse_SeedBesideSplits(t *testing.T) {
	doc := `
spec: v0
dataset:
  splits:
    train: 0.5
    seed: 3
    test: 0.5
tasks: {gen: {task_type: generation}}
columns: {a: {task_id: gen}}
`
	spec, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, int64(3), spec.Dataset.Shuffle.Seed)
	assert.Equal(t, []string{"train", "test"}, []string{spec.Dataset.Splits[0].Name, spec.Dataset.Splits[1].Name})
}

func TestParse_ExplicitZeroSeedIsKept(t *testing.T) {
	doc := `
spec: v0
dataset:
  shuffle: {seed: 0}
tasks: {gen: {task_type: generation}}
columns: {a: {task_id: gen}}
`
	spec, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, int64(0), spec.Dataset.Shuffle.Seed)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{"not yaml", "spec: [", ErrMalformed},
		{"tasks as list", "spec: v0\ntasks: [a]\n", ErrMalformed},
		{"columns as scalar", "spec: v0\ncolumns: nope\n", ErrMalformed},
		{"duplicate task", "spec: v0\ntasks:\n  a: {task_type: parsing}\n  a: {task_type: parsing}\n", nil},
		{"nested input", "spec: v0\ncolumns:\n  a:\n    task_id: t\n    task_input: [[b]]\n", ErrMalformed},
		{"bad fraction", "spec: v0\ndataset:\n  splits: {train: lots}\n", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSpec_Validate(t *testing.T) {
	base := func() *Spec {
		spec, err := Parse([]byte(invoiceSchema))
		require.NoError(t, err)
		return spec
	}

	tests := []struct {
		name   string
		mutate func(*Spec)
		want   string
	}{
		{"wrong version", func(s *Spec) { s.Version = "v1" }, "Spec.Version"},
		{"unknown kind", func(s *Spec) { s.Tasks[0].Kind = "painting" }, "painting"},
		{"bad identifier", func(s *Spec) { s.Columns[0].ID = "9lives" }, "not a valid identifier"},
		{"no columns", func(s *Spec) { s.Columns = nil }, "Spec.Columns is required"},
		{"fraction above one", func(s *Spec) { s.Dataset.Splits[0].Fraction = 1.5 }, "between 0 and 1"},
		{"fractions sum above one", func(s *Spec) { s.Dataset.Splits[1].Fraction = 0.5 }, "sum to 1.3"},
		{"duplicate split", func(s *Spec) { s.Dataset.Splits[1].Name = "train" }, "declared twice"},
		{"bad null policy", func(s *Spec) { s.Dataset.Attributes.Nulls = "drop" }, "Nulls"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base()
			tt.mutate(spec)
			err := spec.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.NotEmpty(t, verr.Problems)
		})
	}
}

func TestSpec_ValidateReportsEveryProblem(t *testing.T) {
	spec, err := Parse([]byte(invoiceSchema))
	require.NoError(t, err)
	spec.Version = ""
	spec.Tasks[1].Kind = "dreaming"

	err = spec.Validate()
	require.Error(t, err)
	assert.Equal(t, 2, strings.Count(err.Error(), ";")+1)
}

func TestSpec_Fingerprint(t *testing.T) {
	a, err := Parse([]byte(invoiceSchema))
	require.NoError(t, err)
	b, err := Parse([]byte(invoiceSchema))
	require.NoError(t, err)

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)

	b.Dataset.Shuffle.Seed = 99
	fb, _ = b.Fingerprint()
	assert.Equal(t, fa, fb, "dataset attributes do not change the fingerprint")

	b.Columns[1].Inputs = nil
	fb, _ = b.Fingerprint()
	assert.NotEqual(t, fa, fb)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(invoiceSchema), 0o600))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, spec.Path)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
