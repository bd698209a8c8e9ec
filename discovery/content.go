package discovery

import (
	"encoding/json"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/pevans/newsharvest/scraper"
)

// MinContentLength is the shortest container text accepted before moving
// on to the next candidate container.
const MinContentLength = 50

var noiseSelectors = []string{
	"script",
	"style",
	"noscript",
	"iframe",
	"nav",
	"header",
	"footer",
	"aside",
	"form",
	".share",
	".social",
	".social-share",
	".breadcrumb",
	".breadcrumbs",
	".related",
	".related-posts",
	".comments",
	".advertisement",
	".ad",
	".newsletter",
}

var contentContainers = []string{
	"article .entry-content",
	".entry-content",
	".post-content",
	".article-body",
	".article-content",
	".story-body",
	".field--name-body",
	".node__content",
	"[itemprop=articleBody]",
	"article",
	"main",
	"#content",
	".content",
}

var stripTags = bluemonday.StrictPolicy()

// ExtractContent returns the body text of a detail page. It tries an
// embedded framework state blob, the source's content selector, a ranked
// list of common containers and finally every paragraph. Noise elements are
// removed from doc before the DOM strategies run.
func ExtractContent(doc *goquery.Document, cfg *scraper.SourceConfig) string {
	if text, ok := stateBlobText(doc); ok {
		return cfg.CleanContent(text)
	}

	doc.Find(strings.Join(noiseSelectors, ", ")).Remove()

	// Configured selector
	if cfg.Selectors != nil && cfg.Selectors.Content != "" {
		text := joinTexts(doc.Find(cfg.Selectors.Content))
		if text != "" {
			return cfg.CleanContent(text)
		}
	}

	// Ranked containers
	var short string
	for _, sel := range contentContainers {
		container := doc.Find(sel).First()
		if container.Length() == 0 {
			continue
		}

		var text string
		if ps := container.Find("p"); ps.Length() > 2 {
			text = joinTexts(ps)
		} else {
			text = collapse(container.Text())
		}

		if len(text) > MinContentLength {
			return cfg.CleanContent(text)
		}
		if short == "" {
			short = text
		}
	}

	// All paragraphs
	if text := joinTexts(doc.Find("p")); text != "" {
		return cfg.CleanContent(text)
	}

	return cfg.CleanContent(short)
}

func joinTexts(sel *goquery.Selection) string {
	parts := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		if t := collapse(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

const fusionMarker = "Fusion.globalContent"

type stateBlob struct {
	ContentElements []struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	} `json:"content_elements"`
}

// stateBlobText reads article text from a Fusion.globalContent assignment
// in the page's metadata script. Only text and raw_html elements are used;
// markup is stripped.
func stateBlobText(doc *goquery.Document) (string, bool) {
	var script string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if text := s.Text(); strings.Contains(text, fusionMarker) {
			script = text
			return false
		}
		return true
	})
	if script == "" {
		return "", false
	}

	idx := strings.Index(script, fusionMarker)
	rest := script[idx+len(fusionMarker):]
	brace := strings.Index(rest, "{")
	if brace < 0 {
		return "", false
	}

	// The decoder stops at the end of the first value, ignoring the
	// statements that follow it.
	var blob stateBlob
	if err := json.NewDecoder(strings.NewReader(rest[brace:])).Decode(&blob); err != nil {
		return "", false
	}

	var parts []string
	for _, el := range blob.ContentElements {
		if el.Type != "text" && el.Type != "raw_html" {
			continue
		}

		var raw string
		if err := json.Unmarshal(el.Content, &raw); err != nil {
			continue
		}

		text := collapse(html.UnescapeString(stripTags.Sanitize(raw)))
		if text != "" {
			parts = append(parts, text)
		}
	}

	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " "), true
}
