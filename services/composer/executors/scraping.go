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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/wizenheimer/cyyrus/services/composer/tasks"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/singleflight"
)

// Scraping property keys.
const (
	PropURL       = "url"
	PropMaxPages  = "max_pages"
	PropSameHost  = "same_host"
	PropUserAgent = "user_agent"

	DefaultCrawlDepth = 5
	DefaultMaxPages   = 50
	DefaultUserAgent  = "cyyrus/0 (+https://github.com/wizenheimer/cyyrus)"

	maxPageBytes = 10 << 20
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid url")

// page is one fetched document.
type page struct {
	URL   string
	Title string
	Text  string
	Links []string
}

func (p *page) value() map[string]any {
	return map[string]any{"url": p.URL, "title": p.Title, "text": p.Text}
}

// Scraping fetches web pages and returns their title and visible text.
//
// Description:
//
//	A root invocation crawls breadth-first from url, following links up to
//	max_depth hops and max_pages pages, and returns one {url, title, text}
//	object per page. Pages other than the start page that fail are logged
//	and skipped. A per-row invocation fetches the URL named by its first
//	input (a string or an object with a "url" field).
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent fetches of the same URL are shared.
type Scraping struct {
	client *http.Client
	pace   *pacer
	flight singleflight.Group
	logger *slog.Logger
}

// NewScraping creates a scraping executor.
func NewScraping(client *http.Client, pace *pacer, logger *slog.Logger) *Scraping {
	if client == nil {
		client = http.DefaultClient
	}
	if pace == nil {
		pace = newPacer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scraping{client: client, pace: pace, logger: logger}
}

// Execute implements tasks.Executor.
func (s *Scraping) Execute(ctx context.Context, cfg tasks.Config, in tasks.Inputs) ([]any, error) {
	rpm := cfg.Float(PropRPM, 0)
	agent := cfg.String(PropUserAgent, DefaultUserAgent)

	if !in.IsRoot() {
		raw, err := inputURL(in.First())
		if err != nil {
			return nil, tasks.Permanent(tasks.FailureInvalidInput, err)
		}
		target, err := parseURL(raw)
		if err != nil {
			return nil, tasks.Permanent(tasks.FailureInvalidInput, err)
		}
		p, err := s.fetch(ctx, target, agent, rpm)
		if err != nil {
			return nil, err
		}
		return []any{p.value()}, nil
	}

	if err := cfg.Require(PropURL); err != nil {
		return nil, configError(err)
	}
	start, err := parseURL(cfg.String(PropURL, ""))
	if err != nil {
		return nil, configError(err)
	}
	return s.crawl(ctx, start, crawlLimits{
		depth:    cfg.Int(PropMaxDepth, DefaultCrawlDepth),
		pages:    cfg.Int(PropMaxPages, DefaultMaxPages),
		sameHost: cfg.Bool(PropSameHost, true),
		agent:    agent,
		rpm:      rpm,
	})
}

type crawlLimits struct {
	depth    int
	pages    int
	sameHost bool
	agent    string
	rpm      float64
}

func (s *Scraping) crawl(ctx context.Context, start *url.URL, lim crawlLimits) ([]any, error) {
	type item struct {
		u     *url.URL
		depth int
	}
	queue := []item{{start, 0}}
	seen := map[string]bool{start.String(): true}

	var out []any
	for len(queue) > 0 && len(out) < lim.pages {
		cur := queue[0]
		queue = queue[1:]

		p, err := s.fetch(ctx, cur.u, lim.agent, lim.rpm)
		if err != nil {
			if cur.depth == 0 || ctx.Err() != nil {
				return nil, err
			}
			s.logger.Warn("skipping page",
				slog.String("url", cur.u.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, p.value())

		if cur.depth >= lim.depth {
			continue
		}
		for _, link := range p.Links {
			next, err := cur.u.Parse(link)
			if err != nil || (next.Scheme != "http" && next.Scheme != "https") {
				continue
			}
			next.Fragment = ""
			if lim.sameHost && next.Host != start.Host {
				continue
			}
			key := next.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			queue = append(queue, item{next, cur.depth + 1})
		}
	}

	s.logger.Debug("crawl complete",
		slog.String("url", start.String()),
		slog.Int("pages", len(out)),
	)
	return out, nil
}

// fetch downloads and parses one page. Concurrent calls for the same URL
// share one request.
func (s *Scraping) fetch(ctx context.Context, u *url.URL, agent string, rpm float64) (*page, error) {
	v, err, _ := s.flight.Do(u.String(), func() (any, error) {
		if err := s.pace.wait(ctx, u.Host, rpm); err != nil {
			return nil, err
		}
		return s.get(ctx, u, agent)
	})
	if err != nil {
		return nil, err
	}
	return v.(*page), nil
}

func (s *Scraping) get(ctx context.Context, u *url.URL, agent string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, tasks.Permanent(tasks.FailureInvalidInput, err)
	}
	req.Header.Set("User-Agent", agent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, fmt.Errorf("GET %s: %s", u, resp.Status))
	}

	body := io.LimitReader(resp.Body, maxPageBytes)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "" && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, classifyTransport(err)
		}
		return &page{URL: u.String(), Text: strings.TrimSpace(string(data))}, nil
	}

	doc, err := html.Parse(body)
	if err != nil {
		return nil, tasks.Permanent(tasks.FailureInvalidInput, fmt.Errorf("parsing %s: %w", u, err))
	}
	p := extractPage(doc)
	p.URL = u.String()
	return p, nil
}

// extractPage collects the title, visible text, and links of a document.
func extractPage(doc *html.Node) *page {
	p := &page{}
	var text []string

	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
				if n.DataAtom == atom.Head {
					if t := findTitle(n); t != "" && p.Title == "" {
						p.Title = t
					}
				}
				return
			case atom.Title:
				if p.Title == "" {
					p.Title = collapseSpace(nodeText(n))
				}
				return
			case atom.A:
				for _, a := range n.Attr {
					if a.Key == "href" && a.Val != "" {
						p.Links = append(p.Links, a.Val)
					}
				}
			}
		}
		if n.Type == html.TextNode {
			if t := collapseSpace(n.Data); t != "" {
				text = append(text, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)

	p.Text = strings.Join(text, " ")
	return p
}

func findTitle(n *html.Node) string {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Title {
			return collapseSpace(nodeText(c))
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func inputURL(v any) (string, error) {
	switch t := v.(type) {
	case string:
		if t != "" {
			return t, nil
		}
	case map[string]any:
		if s, ok := t["url"].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: input %T does not name a URL", ErrInvalidURL, v)
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrInvalidURL, raw)
	}
	u.Fragment = ""
	return u, nil
}
