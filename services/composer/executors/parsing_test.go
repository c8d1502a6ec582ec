// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executors

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wizenheimer/cyyrus/services/composer/tasks"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return root
}

func names(values []any) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.(map[string]any)["name"].(string)
	}
	return out
}

func TestParsing_RootWalksDirectory(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"b.txt":              "bravo",
		"a.txt":              "alpha",
		"skip.pdf":           "%PDF",
		"sub/c.txt":          "charlie",
		"sub/deeper/d.txt":   "delta",
		"sub/deeper/e/f.txt": "foxtrot",
	})
	p := NewParsing(nil, nil, nil)

	cfg := tasks.NewConfig(map[string]any{
		"directory":     root,
		"file_type":     "txt",
		"parsed_format": "text",
		"max_depth":     1,
	})
	out, err := p.Execute(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, names(out))

	first := out[0].(map[string]any)
	assert.Equal(t, "alpha", first["content"])
	assert.Equal(t, "txt", first["file_type"])
	assert.Equal(t, filepath.Join(root, "a.txt"), first["path"])

	cfg = tasks.NewConfig(map[string]any{"directory": root, "file_type": "txt", "parsed_format": "text"})
	out, err = p.Execute(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Len(t, out, 5)
}

func TestParsing_Base64(t *testing.T) {
	root := writeFiles(t, map[string]string{"scan.pdf": "%PDF-1.7 bytes"})
	out, err := NewParsing(nil, nil, nil).Execute(context.Background(),
		tasks.NewConfig(map[string]any{"directory": root, "file_type": "pdf"}), nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	decoded, err := base64.StdEncoding.DecodeString(out[0].(map[string]any)["content"].(string))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 bytes", string(decoded))
}

func TestParsing_Chunking(t *testing.T) {
	text := strings.Repeat("word ", 200)
	root := writeFiles(t, map[string]string{"long.txt": text})

	cfg := tasks.NewConfig(map[string]any{
		"directory":     root,
		"file_type":     "txt",
		"parsed_format": "text",
		"chunk_size":    100,
		"chunk_overlap": 10,
	})
	out, err := NewParsing(nil, nil, nil).Execute(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Greater(t, len(out), 5)

	for i, v := range out {
		rec := v.(map[string]any)
		assert.Equal(t, i, rec["chunk"])
		assert.LessOrEqual(t, len(rec["content"].(string)), 100)
	}
}

func TestParsing_PerRow(t *testing.T) {
	root := writeFiles(t, map[string]string{"note.md": "# Title\n\nbody"})
	path := filepath.Join(root, "note.md")
	p := NewParsing(nil, nil, nil)
	cfg := tasks.NewConfig(map[string]any{"file_type": "md", "parsed_format": "text"})

	out, err := p.Execute(context.Background(), cfg, row("file", path))
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody", out[0].(map[string]any)["content"])

	out, err = p.Execute(context.Background(), cfg, row("file", map[string]any{"path": path}))
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = p.Execute(context.Background(), cfg, row("file", filepath.Join(root, "missing.md")))
	requireExecutionError(t, err, tasks.FailureInvalidInput, false)

	_, err = p.Execute(context.Background(), cfg, row("file", 42))
	requireExecutionError(t, err, tasks.FailureInvalidInput, false)
}

func TestParsing_MarkdownSendsImageToModel(t *testing.T) {
	root := writeFiles(t, map[string]string{"scan.jpg": "\xff\xd8jpeg", "notes.txt": "ignored"})
	chat := &fakeChat{replies: []string{"```json\n{\"markdown\": \"# Invoice\\n\\nTotal: 42\"}\n```"}}
	p := NewParsing(newClientSource(chat), newPacer(), nil)

	cfg := tasks.NewConfig(map[string]any{
		"directory":     root,
		"file_type":     "jpg",
		"parsed_format": "markdown",
		"model":         "gpt-4o",
	})
	out, err := p.Execute(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	rec := out[0].(map[string]any)
	assert.Equal(t, "scan.jpg", rec["name"])
	assert.Equal(t, "# Invoice\n\nTotal: 42", rec["content"])

	require.Len(t, chat.requests, 1)
	req := chat.requests[0]
	assert.Equal(t, "gpt-4o", req.Model)
	require.NotNil(t, req.ResponseFormat)
	require.Len(t, req.Messages, 1)
	parts := req.Messages[0].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, parts[0].Type)
	assert.True(t, strings.HasPrefix(parts[0].Text, DefaultMarkdownPrompt))
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, parts[1].Type)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString([]byte("\xff\xd8jpeg")), parts[1].ImageURL.URL)
	assert.Equal(t, openai.ImageURLDetailLow, parts[1].ImageURL.Detail)
}

func TestParsing_MarkdownMalformedReplyIsRetryable(t *testing.T) {
	root := writeFiles(t, map[string]string{"page.png": "png"})
	chat := &fakeChat{replies: []string{`{"text": "no markdown field"}`}}
	p := NewParsing(newClientSource(chat), newPacer(), nil)

	cfg := tasks.NewConfig(map[string]any{"file_type": "png", "parsed_format": "markdown", "prompt": "Transcribe."})
	_, err := p.Execute(context.Background(), cfg, row("file", filepath.Join(root, "page.png")))
	requireExecutionError(t, err, tasks.FailureInvalidOutput, true)
	assert.Equal(t, []string{tasks.FailureInvalidOutput}, p.RetryableKinds())
	assert.True(t, strings.HasPrefix(chat.requests[0].Messages[0].MultiContent[0].Text, "Transcribe."))
}

func TestParsing_ConfigErrors(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name  string
		props map[string]any
	}{
		{"missing file type", map[string]any{"directory": root}},
		{"unknown file type", map[string]any{"directory": root, "file_type": "docx"}},
		{"binary as text", map[string]any{"directory": root, "file_type": "png", "parsed_format": "text"}},
		{"markdown from pdf", map[string]any{"directory": root, "file_type": "pdf", "parsed_format": "markdown"}},
		{"markdown without model client", map[string]any{"directory": root, "file_type": "png", "parsed_format": "markdown"}},
		{"overlap too large", map[string]any{"directory": root, "file_type": "txt", "parsed_format": "text", "chunk_size": 10, "chunk_overlap": 10}},
		{"missing directory", map[string]any{"file_type": "txt"}},
		{"directory does not exist", map[string]any{"directory": filepath.Join(root, "nope"), "file_type": "txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParsing(nil, nil, nil).Execute(context.Background(), tasks.NewConfig(tt.props), nil)
			requireExecutionError(t, err, tasks.FailureConfig, false)
		})
	}
}

func TestExtraction(t *testing.T) {
	doc := map[string]any{
		"customer": map[string]any{"name": "Ada", "address": map[string]any{"city": "Oslo"}},
		"items":    []any{map[string]any{"sku": "A1"}, map[string]any{"sku": "B2"}},
	}
	x := NewExtraction()

	tests := []struct {
		name  string
		props map[string]any
		in    tasks.Inputs
		want  any
	}{
		{"single field", map[string]any{"field": "customer.address.city"}, row("doc", doc), "Oslo"},
		{"array index", map[string]any{"field": "items.1.sku"}, row("doc", doc), "B2"},
		{"missing path", map[string]any{"field": "customer.phone"}, row("doc", doc), nil},
		{"index out of range", map[string]any{"field": "items.9.sku"}, row("doc", doc), nil},
		{"many fields", map[string]any{"fields": []any{"customer.name", "items.0.sku"}}, row("doc", doc),
			map[string]any{"customer.name": "Ada", "items.0.sku": "A1"}},
		{"json string", map[string]any{"field": "a.b"}, row("raw", `{"a":{"b":true}}`), true},
		{"named input", map[string]any{"field": "name", "input": "second"},
			row("first", map[string]any{"name": "x"}, "second", map[string]any{"name": "y"}), "y"},
		{"null input", map[string]any{"field": "a"}, row("doc", nil), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := x.Execute(context.Background(), tasks.NewConfig(tt.props), tt.in)
			require.NoError(t, err)
			assert.Equal(t, []any{tt.want}, out)
		})
	}

	t.Run("errors", func(t *testing.T) {
		_, err := x.Execute(context.Background(), tasks.NewConfig(map[string]any{"field": "a"}), nil)
		requireExecutionError(t, err, tasks.FailureInvalidInput, false)

		_, err = x.Execute(context.Background(), tasks.NewConfig(nil), row("doc", doc))
		requireExecutionError(t, err, tasks.FailureConfig, false)

		_, err = x.Execute(context.Background(), tasks.NewConfig(map[string]any{"field": "a"}), row("doc", "plain text"))
		requireExecutionError(t, err, tasks.FailureInvalidInput, false)
		assert.ErrorIs(t, err, ErrNotStructured)

		_, err = x.Execute(context.Background(), tasks.NewConfig(map[string]any{"field": "customer.name.first"}), row("doc", doc))
		requireExecutionError(t, err, tasks.FailureInvalidInput, false)

		_, err = x.Execute(context.Background(), tasks.NewConfig(map[string]any{"field": "a", "input": "nope"}), row("doc", doc))
		requireExecutionError(t, err, tasks.FailureConfig, false)
	})
}

func TestRender(t *testing.T) {
	in := row("name", "Ada", "n", 3, "list", []any{"x"})
	assert.Equal(t, `Hi Ada, 3 ["x"] {missing} {not valid}`, render("Hi {name}, {n} {list} {missing} {not valid}", in))
	assert.Equal(t, `{"json": {name}}`, render(`{"json": {name}}`, nil))
}
