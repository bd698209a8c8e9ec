package discovery

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/pevans/newsharvest/dates"
	"github.com/pevans/newsharvest/scraper"
)

// FallbackCap is the most rows the anchor fallback returns.
const FallbackCap = 80

// MinTitleLength is the shortest title the noise heuristic accepts.
const MinTitleLength = 4

// RawRow is one candidate item pulled from a listing page.
type RawRow struct {
	Title   string
	Link    string
	Date    *time.Time
	Content string
}

var socialDomains = []string{
	"facebook.com",
	"twitter.com",
	"x.com",
	"instagram.com",
	"linkedin.com",
	"youtube.com",
	"tiktok.com",
	"pinterest.com",
	"threads.net",
}

// Extract pulls rows out of a listing document. Dates without a zone are
// read as UTC.
func Extract(doc *goquery.Document, cfg *scraper.SourceConfig) []RawRow {
	return ExtractIn(doc, cfg, time.UTC)
}

// ExtractIn pulls rows out of a listing document using the source's
// selectors, then filters and de-duplicates them. When the selectors find
// nothing usable it falls back to every anchor on the page. Zone-less dates
// are read in loc.
func ExtractIn(doc *goquery.Document, cfg *scraper.SourceConfig, loc *time.Location) []RawRow {
	base := cfg.BaseURL
	if base == "" {
		base = cfg.URL
	}

	var rows []RawRow
	if cfg.Selectors != nil && cfg.Selectors.ListItem != "" {
		doc.Find(cfg.Selectors.ListItem).Each(func(_ int, li *goquery.Selection) {
			row, ok := extractRow(li, cfg, base, loc)
			if ok {
				rows = append(rows, row)
			}
		})
	}

	rows = FilterRows(rows, cfg)
	if len(rows) > 0 {
		return rows
	}

	return fallbackAnchors(doc, cfg, base)
}

func extractRow(li *goquery.Selection, cfg *scraper.SourceConfig, base string, loc *time.Location) (RawRow, bool) {
	sel := cfg.Selectors

	// Title
	titleNode := li
	if sel.Title != "" {
		titleNode = li.Find(sel.Title).First()
	}
	title := cfg.CleanTitle(titleNode.Text())

	// Link: the link selector's href, else the boundary node's own href
	var href string
	if sel.Link != "" {
		href, _ = li.Find(sel.Link).First().Attr("href")
	}
	if href == "" {
		href, _ = li.Attr("href")
	}
	if href == "" && sel.Link == "" && sel.Title != "" {
		href, _ = titleNode.Attr("href")
	}
	if isNoiseHref(href) {
		return RawRow{}, false
	}
	link := ResolveURL(base, href)

	if title == "" || link == "" {
		return RawRow{}, false
	}

	row := RawRow{Title: title, Link: link}

	// Date: inside the boundary node, else the first following sibling
	if sel.Date != "" {
		dateNode := li.Find(sel.Date).First()
		if dateNode.Length() == 0 {
			dateNode = li.NextAllFiltered(sel.Date).First()
		}
		if dateNode.Length() > 0 {
			raw := strings.TrimSpace(dateNode.Text())
			if sel.DateAttr != "" {
				raw, _ = dateNode.Attr(sel.DateAttr)
			}
			if t, ok := dates.ParseIn(raw, loc); ok {
				row.Date = &t
			}
		}
	}

	if sel.Content != "" {
		row.Content = collapse(li.Find(sel.Content).Text())
	}

	return row, true
}

// FilterRows applies the noise heuristic, the declared filters and link
// de-duplication, in that order.
func FilterRows(rows []RawRow, cfg *scraper.SourceConfig) []RawRow {
	seen := make(map[string]bool, len(rows))
	out := make([]RawRow, 0, len(rows))

	for _, row := range rows {
		if isNoise(row.Title, row.Link, cfg) {
			continue
		}
		if !passesFilters(row.Title, row.Link, cfg) {
			continue
		}

		key := strings.ToLower(row.Link)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, row)
	}

	return out
}

func fallbackAnchors(doc *goquery.Document, cfg *scraper.SourceConfig, base string) []RawRow {
	var rows []RawRow
	seen := make(map[string]bool)

	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if isNoiseHref(href) {
			return true
		}

		link := ResolveURL(base, href)
		title := collapse(a.Text())
		if title == "" || link == "" {
			return true
		}
		if isNoise(title, link, cfg) || !passesLinkFilters(link, cfg) {
			return true
		}

		key := strings.ToLower(link)
		if seen[key] {
			return true
		}
		seen[key] = true

		rows = append(rows, RawRow{Title: title, Link: link})
		return len(rows) < FallbackCap
	})

	return rows
}

func passesFilters(title, link string, cfg *scraper.SourceConfig) bool {
	return passesLinkFilters(link, cfg) && passesTitleFilters(title, cfg)
}

// passesLinkFilters applies linkIncludes and linkExcludes. The anchor
// fallback uses only these.
func passesLinkFilters(link string, cfg *scraper.SourceConfig) bool {
	lowerLink := strings.ToLower(link)

	if len(cfg.LinkIncludes) > 0 {
		matched := false
		for _, s := range cfg.LinkIncludes {
			if strings.Contains(lowerLink, strings.ToLower(s)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, s := range cfg.LinkExcludes {
		if strings.Contains(lowerLink, strings.ToLower(s)) {
			return false
		}
	}

	return true
}

func passesTitleFilters(title string, cfg *scraper.SourceConfig) bool {
	lowerTitle := strings.ToLower(title)
	for _, s := range cfg.TitleExcludes {
		if strings.Contains(lowerTitle, strings.ToLower(s)) {
			return false
		}
	}
	return true
}

func isNoiseHref(href string) bool {
	h := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(h, "#") ||
		strings.HasPrefix(h, "javascript:") ||
		strings.HasPrefix(h, "mailto:") ||
		strings.HasPrefix(h, "tel:")
}

// isNoise reports navigation, social, search and home links, and titles
// too short to be headlines.
func isNoise(title, link string, cfg *scraper.SourceConfig) bool {
	if utf8.RuneCountInString(title) < MinTitleLength {
		return true
	}
	if isNoiseHref(link) {
		return true
	}

	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return true
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return true
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, d := range socialDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}

	path := strings.ToLower(u.Path)
	if path == "/search" || strings.HasPrefix(path, "/search/") {
		return true
	}
	q := u.Query()
	if q.Has("s") || q.Has("q") || q.Has("search") {
		return true
	}

	// Home anchors: the bare root of any site, or the listing page itself.
	if (path == "" || path == "/") && u.RawQuery == "" {
		return true
	}
	if strings.TrimSuffix(link, "/") == strings.TrimSuffix(cfg.URL, "/") {
		return true
	}

	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
