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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/wizenheimer/cyyrus/services/composer/tasks"
	"golang.org/x/sync/singleflight"
)

// Parsing property keys.
const (
	PropDirectory    = "directory"
	PropFileType     = "file_type"
	PropMaxDepth     = "max_depth"
	PropParsedFormat = "parsed_format"
	PropChunkSize    = "chunk_size"
	PropChunkOverlap = "chunk_overlap"
	PropImageDetail  = "image_detail"

	DefaultMaxDepth    = 5
	DefaultImageDetail = "low"

	DefaultMarkdownPrompt = "Convert the following image to markdown. " +
		"Return only the markdown with no explanation text. " +
		"Do not exclude any content from the image."
)

// Parsed output formats.
const (
	FormatBase64   = "base64"
	FormatText     = "text"
	FormatMarkdown = "markdown"
)

// ErrUnsupportedFileType is returned for file types the parser cannot read.
var ErrUnsupportedFileType = errors.New("unsupported file type")

// fileTypes maps each file_type to the extensions it matches, whether it
// can be read as text, and the image MIME type sent to vision models.
var fileTypes = map[string]struct {
	exts  []string
	text  bool
	image string
}{
	"pdf":  {[]string{".pdf"}, false, ""},
	"png":  {[]string{".png"}, false, "image/png"},
	"jpg":  {[]string{".jpg", ".jpeg"}, false, "image/jpeg"},
	"jpeg": {[]string{".jpg", ".jpeg"}, false, "image/jpeg"},
	"txt":  {[]string{".txt"}, true, ""},
	"md":   {[]string{".md", ".markdown"}, true, ""},
	"json": {[]string{".json"}, true, ""},
	"csv":  {[]string{".csv"}, true, ""},
}

var (
	markdownSeparators = []string{"\n## ", "\n### ", "\n#### ", "\n\n", "\n", " ", ""}
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
)

// Parsing reads files into dataset values.
//
// Description:
//
//	A root invocation walks directory up to max_depth levels and returns
//	one object {path, name, file_type, content} per matching file, sorted
//	by path. A per-row invocation parses the file named by its first input,
//	either a path string or an object with a "path" field.
//
//	Content is base64, text, or markdown. Markdown sends each image to a
//	vision model with the prompt property (a default conversion prompt
//	when unset) and stores the returned markdown. With chunk_size set on a
//	text format, each chunk becomes its own value carrying a "chunk" index.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent reads of the same file are shared.
type Parsing struct {
	reads   singleflight.Group
	clients *clientSource
	pace    *pacer
	logger  *slog.Logger
}

// NewParsing creates a parsing executor. clients and pace serve the
// markdown format and may be nil when it is not used.
func NewParsing(clients *clientSource, pace *pacer, logger *slog.Logger) *Parsing {
	if logger == nil {
		logger = slog.Default()
	}
	if pace == nil {
		pace = newPacer()
	}
	return &Parsing{clients: clients, pace: pace, logger: logger}
}

// RetryableKinds marks malformed model output as worth another attempt.
func (p *Parsing) RetryableKinds() []string {
	return []string{tasks.FailureInvalidOutput}
}

type parseOptions struct {
	fileType string
	mime     string
	format   string
	chunk    int
	overlap  int
	cfg      tasks.Config
}

// Execute implements tasks.Executor.
func (p *Parsing) Execute(ctx context.Context, cfg tasks.Config, in tasks.Inputs) ([]any, error) {
	if err := cfg.Require(PropFileType); err != nil {
		return nil, configError(err)
	}
	opts := parseOptions{
		fileType: strings.ToLower(strings.TrimPrefix(cfg.String(PropFileType, ""), ".")),
		format:   strings.ToLower(cfg.String(PropParsedFormat, FormatBase64)),
		chunk:    cfg.Int(PropChunkSize, 0),
		overlap:  cfg.Int(PropChunkOverlap, 0),
		cfg:      cfg,
	}
	ft, ok := fileTypes[opts.fileType]
	if !ok {
		return nil, configError(fmt.Errorf("%w: %q", ErrUnsupportedFileType, opts.fileType))
	}
	switch opts.format {
	case FormatBase64:
	case FormatText:
		if !ft.text {
			return nil, configError(fmt.Errorf("%s files cannot be parsed as text", opts.fileType))
		}
	case FormatMarkdown:
		if ft.image == "" {
			return nil, configError(fmt.Errorf("markdown output needs an image file type, got %q", opts.fileType))
		}
		if p.clients == nil {
			return nil, configError(errors.New("markdown output needs a model client"))
		}
		opts.mime = ft.image
	default:
		return nil, configError(fmt.Errorf("unknown %s %q", PropParsedFormat, opts.format))
	}
	if opts.chunk < 0 || opts.overlap < 0 || (opts.chunk > 0 && opts.overlap >= opts.chunk) {
		return nil, configError(fmt.Errorf("chunk_overlap must be smaller than chunk_size"))
	}

	if !in.IsRoot() {
		path, err := inputPath(in.First())
		if err != nil {
			return nil, tasks.Permanent(tasks.FailureInvalidInput, err)
		}
		return p.parseFile(ctx, path, opts)
	}

	if err := cfg.Require(PropDirectory); err != nil {
		return nil, configError(err)
	}
	files, err := walk(ctx, cfg.String(PropDirectory, ""), ft.exts, cfg.Int(PropMaxDepth, DefaultMaxDepth))
	if err != nil {
		return nil, err
	}

	var out []any
	for _, path := range files {
		values, err := p.parseFile(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	p.logger.Debug("directory parsed",
		slog.String("directory", cfg.String(PropDirectory, "")),
		slog.Int("files", len(files)),
		slog.Int("values", len(out)),
	)
	return out, nil
}

// walk lists matching files under root, at most maxDepth directories deep.
func walk(ctx context.Context, root string, exts []string, maxDepth int) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, configError(fmt.Errorf("directory %q: %w", root, err))
	}
	if !info.IsDir() {
		return nil, configError(fmt.Errorf("%q is not a directory", root))
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, _ := filepath.Rel(root, path)
		depth := strings.Count(rel, string(filepath.Separator))
		if d.IsDir() {
			if path != root && depth >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, e := range exts {
			if ext == e {
				files = append(files, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, tasks.Retryable(tasks.FailureUnavailable, fmt.Errorf("walking %q: %w", root, err))
	}
	return files, nil
}

func inputPath(v any) (string, error) {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t, nil
		}
	case map[string]any:
		if s, ok := t["path"].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("input %T does not name a file", v)
}

func (p *Parsing) parseFile(ctx context.Context, path string, opts parseOptions) ([]any, error) {
	raw, err, _ := p.reads.Do(path, func() (any, error) {
		return os.ReadFile(path)
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, tasks.Permanent(tasks.FailureInvalidInput, err)
		}
		return nil, tasks.Retryable(tasks.FailureUnavailable, err)
	}
	data := raw.([]byte)

	record := func(content string) map[string]any {
		return map[string]any{
			"path":      path,
			"name":      filepath.Base(path),
			"file_type": opts.fileType,
			"content":   content,
		}
	}

	switch opts.format {
	case FormatBase64:
		return []any{record(base64.StdEncoding.EncodeToString(data))}, nil
	case FormatMarkdown:
		md, err := p.markdown(ctx, opts, data)
		if err != nil {
			return nil, err
		}
		return []any{record(md)}, nil
	}

	text := string(data)
	if opts.chunk <= 0 {
		return []any{record(text)}, nil
	}

	separators := defaultSeparators
	if opts.fileType == "md" {
		separators = markdownSeparators
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(opts.chunk),
		textsplitter.WithChunkOverlap(opts.overlap),
		textsplitter.WithSeparators(separators),
	)
	chunks, err := splitter.SplitText(text)
	if err != nil {
		return nil, tasks.Permanent(tasks.FailureInternal, fmt.Errorf("chunking %s: %w", path, err))
	}

	out := make([]any, len(chunks))
	for i, c := range chunks {
		r := record(c)
		r["chunk"] = i
		out[i] = r
	}
	return out, nil
}

// markdown asks a vision model to transcribe one image.
func (p *Parsing) markdown(ctx context.Context, opts parseOptions, image []byte) (string, error) {
	client, err := p.clients.get(opts.cfg)
	if err != nil {
		return "", err
	}
	req := markdownRequest(opts.cfg, opts.mime, image)
	if err := p.pace.wait(ctx, req.Model, opts.cfg.Float(PropRPM, 0)); err != nil {
		return "", err
	}
	content, err := complete(ctx, client, req)
	if err != nil {
		return "", err
	}

	value, err := decodeJSON(content)
	if err != nil {
		return "", tasks.Retryable(tasks.FailureInvalidOutput, fmt.Errorf("decoding markdown response: %w", err))
	}
	obj, _ := value.(map[string]any)
	md, ok := obj[FormatMarkdown].(string)
	if !ok {
		return "", tasks.Retryable(tasks.FailureInvalidOutput, errors.New(`response has no "markdown" string field`))
	}
	return md, nil
}

func markdownRequest(cfg tasks.Config, mime string, image []byte) openai.ChatCompletionRequest {
	req := chatRequest(cfg, "", true)
	prompt := cfg.String(PropPrompt, DefaultMarkdownPrompt) +
		"\nRespond with a JSON object whose \"markdown\" field holds the markdown."
	req.Messages = []openai.ChatCompletionMessage{{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image),
					Detail: openai.ImageURLDetail(cfg.String(PropImageDetail, DefaultImageDetail)),
				},
			},
		},
	}}
	return req
}
