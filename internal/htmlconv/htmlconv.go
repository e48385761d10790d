// Package htmlconv turns fetched web pages into markdown suitable for a
// prompt.
package htmlconv

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/net/html"
)

var (
	tagPattern     = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)\b[^>]*>`)
	blankLineRuns  = regexp.MustCompile(`\n{3,}`)
	structuralTags = []string{"<body", "<div", "<table", "<ul>", "<ol>", "<h1", "<h2", "<p>"}
)

// skipped elements carry no readable content
var skipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "meta": true, "link": true,
	"head": true, "header": true, "footer": true, "nav": true, "aside": true,
	"iframe": true, "svg": true, "form": true,
}

var contentHints = []string{"content", "main", "article", "post", "entry", "docs", "markdown-body"}

// Page is a converted document.
type Page struct {
	Title    string
	Markdown string
}

// IsHTML reports whether text looks like an HTML document or fragment.
func IsHTML(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html") {
		return true
	}
	tags := len(tagPattern.FindAllStringIndex(text, 5))
	if tags >= 3 {
		return true
	}
	if tags < 2 {
		return false
	}
	for _, s := range structuralTags {
		if strings.Contains(trimmed, s) {
			return true
		}
	}
	return false
}

// Convert extracts the title and main content of an HTML page as
// markdown. Text that is not HTML is returned unchanged.
func Convert(text string) (Page, error) {
	if !IsHTML(text) {
		return Page{Markdown: strings.TrimSpace(text)}, nil
	}

	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return Page{}, fmt.Errorf("failed to parse html: %w", err)
	}
	page := Page{Title: findTitle(doc)}

	content := mainContent(doc)
	prune(content)

	var buf bytes.Buffer
	if err := html.Render(&buf, content); err != nil {
		return Page{}, fmt.Errorf("failed to render html: %w", err)
	}
	md, err := htmltomarkdown.ConvertString(buf.String())
	if err != nil {
		return Page{}, fmt.Errorf("failed to convert html: %w", err)
	}
	page.Markdown = strings.TrimSpace(blankLineRuns.ReplaceAllString(md, "\n\n"))
	return page, nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// mainContent prefers <main>, then <article>, then an element whose id or
// class hints at content, then <body>.
func mainContent(doc *html.Node) *html.Node {
	var mains, articles, hinted, bodies []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "main":
				mains = append(mains, n)
			case "article":
				articles = append(articles, n)
			case "body":
				bodies = append(bodies, n)
			default:
				if hintsContent(n) {
					hinted = append(hinted, n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, group := range [][]*html.Node{mains, articles, hinted, bodies} {
		if len(group) > 0 {
			return group[0]
		}
	}
	return doc
}

func hintsContent(n *html.Node) bool {
	for _, attr := range n.Attr {
		if attr.Key != "id" && attr.Key != "class" {
			continue
		}
		for _, value := range strings.Fields(strings.ToLower(attr.Val)) {
			for _, hint := range contentHints {
				if strings.Contains(value, hint) {
					return true
				}
			}
		}
	}
	return false
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode && skipped[c.Data] {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}
