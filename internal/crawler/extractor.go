package crawler

import (
	"bytes"
	"net/url"
	"strings"
	"unicode/utf8"

	readability "codeberg.org/readeck/go-readability/v2"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const DefaultMinTextLength = 100

// Format selects how extracted text is rendered.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

const boilerplateSelector = "script, style, noscript, template, iframe, svg, form, nav, header, footer, aside, " +
	"[role=navigation], [role=banner], [role=contentinfo], [aria-hidden=true], " +
	"[class*=advert], [id*=advert], [class*=cookie], [id*=cookie], [class*=sidebar], [id*=sidebar], " +
	"[class*=promo], [class*=share], [class*=breadcrumb]"

// Extraction is the main text and title of a page.
type Extraction struct {
	Title string
	Text  string
}

// Extractor turns raw HTML into article text. Readability runs first; a
// boilerplate-stripping DOM pass catches pages it cannot handle.
type Extractor struct {
	minLength int
	format    Format
}

type ExtractorOption func(*Extractor)

// WithMinTextLength sets the length (in characters) below which a page counts
// as having no usable content.
func WithMinTextLength(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.minLength = n
		}
	}
}

func WithFormat(f Format) ExtractorOption {
	return func(e *Extractor) {
		if f == FormatText || f == FormatMarkdown {
			e.format = f
		}
	}
}

func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{minLength: DefaultMinTextLength, format: FormatText}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract returns the page's title and main content. It fails with an
// *ExtractionError when the content is shorter than the minimum length.
func (e *Extractor) Extract(data []byte, pageURL string) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Extraction{}, &ExtractionError{URL: pageURL, Min: e.minLength}
	}
	title := normalizeInline(doc.Find("title").First().Text())

	text, readTitle := e.readable(data, pageURL)
	if textLength(text) < e.minLength {
		if fallback := domText(doc); textLength(fallback) > textLength(text) {
			text = fallback
		}
	}
	if title == "" {
		title = readTitle
	}
	if title == "" {
		title = pageURL
	}

	if n := textLength(text); n < e.minLength {
		return Extraction{Title: title}, &ExtractionError{URL: pageURL, Length: n, Min: e.minLength}
	}
	return Extraction{Title: title, Text: text}, nil
}

func (e *Extractor) readable(data []byte, pageURL string) (text, title string) {
	parsedURL, _ := url.Parse(pageURL)
	article, err := readability.FromReader(bytes.NewReader(data), parsedURL)
	if err != nil || article.Node == nil {
		return "", ""
	}
	title = normalizeInline(article.Title())

	if e.format == FormatMarkdown {
		if md, mdErr := htmltomarkdown.ConvertNode(article.Node); mdErr == nil {
			if text := normalizeText(string(md)); text != "" {
				return text, title
			}
		}
	}

	var buf bytes.Buffer
	if err := article.RenderText(&buf); err != nil {
		return "", title
	}
	return normalizeText(buf.String()), title
}

// domText strips boilerplate elements and returns the text of the main
// content container, or of the body when there is none.
func domText(doc *goquery.Document) string {
	root := doc.Find("body").Clone()
	if root.Length() == 0 {
		root = doc.Selection.Clone()
	}
	root.Find(boilerplateSelector).Remove()

	if main := root.Find("main, article, [role=main]").First(); main.Length() > 0 {
		if text := normalizeText(blockText(main)); textLength(text) > 0 {
			return text
		}
	}
	return normalizeText(blockText(root))
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "pre": true, "blockquote": true,
	"table": true, "tr": true, "br": true, "hr": true, "dd": true, "dt": true,
	"figcaption": true, "header": true, "footer": true,
}

// blockText concatenates text nodes, inserting line breaks around block
// elements so paragraphs do not run together.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if blockElements[n.Data] {
				b.WriteString("\n")
				defer b.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return b.String()
}

// normalizeText collapses whitespace inside lines and keeps at most one blank
// line between paragraphs.
func normalizeText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = normalizeInline(line)
		if line == "" {
			if len(out) > 0 && !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func normalizeInline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func textLength(s string) int {
	return utf8.RuneCountInString(s)
}
