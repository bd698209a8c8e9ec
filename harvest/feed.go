package harvest

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/pevans/newsharvest/dates"
	"github.com/pevans/newsharvest/discovery"
	"github.com/pevans/newsharvest/scraper"
)

// feedRows reads an RSS, Atom or JSON feed listing.
func (p *Pipeline) feedRows(ctx context.Context, src *scraper.SourceConfig) ([]discovery.RawRow, error) {
	ctx, cancel := context.WithTimeout(ctx, ListingTimeout)
	defer cancel()

	resp, err := p.fetcher.Get(ctx, src.URL, src.Headers)
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	base := src.BaseURL
	if base == "" {
		base = feed.Link
	}
	if base == "" {
		base = src.URL
	}

	rows := make([]discovery.RawRow, 0, len(feed.Items))
	for _, item := range feed.Items {
		row := discovery.RawRow{
			Title:   src.CleanTitle(item.Title),
			Link:    discovery.ResolveURL(base, item.Link),
			Date:    p.feedItemDate(item),
			Content: src.CleanContent(feedItemText(item)),
		}
		rows = append(rows, row)
	}

	return discovery.FilterRows(rows, src), nil
}

// feedItemDate prefers the parsed publish date, then the update date, then
// a loose parse of either raw value.
func (p *Pipeline) feedItemDate(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed
	}
	for _, raw := range []string{item.Published, item.Updated} {
		if t, ok := dates.ParseIn(raw, p.window.Location); ok {
			return &t
		}
	}
	return nil
}

// feedItemText returns the item's body as plain text, preferring full
// content over the description.
func feedItemText(item *gofeed.Item) string {
	raw := item.Content
	if strings.TrimSpace(raw) == "" {
		raw = item.Description
	}
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	doc, err := parseHTML([]byte(raw))
	if err != nil {
		return ""
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
