package crawler

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	renderScoreThreshold = 4
	shellWordThreshold   = 30
)

var mountPointIDs = []string{"root", "app", "__next", "__nuxt"}

// needsRendering scores raw HTML for signs of a client-rendered application:
// framework mount points, noscript warnings, script-heavy markup and almost
// no visible text. A score of renderScoreThreshold or more asks for a render.
func needsRendering(html []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return false
	}

	score := 0
	for _, id := range mountPointIDs {
		if sel := doc.Find("div#" + id); sel.Length() > 0 && strings.TrimSpace(sel.Text()) == "" {
			score += 3
			break
		}
	}
	if doc.Find("noscript").Length() > 0 {
		score += 2
	}
	if doc.Find("[data-reactroot], [ng-app], [data-server-rendered]").Length() > 0 {
		score++
	}

	scriptBytes := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scriptBytes += len(s.Text())
	})

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	text := body.Text()
	textBytes := len(strings.TrimSpace(text))
	if scriptBytes > 0 && scriptBytes > textBytes*3 {
		score += 2
	}
	if len(strings.Fields(text)) < shellWordThreshold {
		score += 2
	}

	return score >= renderScoreThreshold
}
