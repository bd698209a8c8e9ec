package harvest

import (
	"context"
	"fmt"

	"github.com/pevans/newsharvest/dates"
	"github.com/pevans/newsharvest/discovery"
	"github.com/pevans/newsharvest/scraper"
)

// scriptRow is the shape a browser listing script must return per item.
type scriptRow struct {
	Title string `json:"title"`
	Link  string `json:"link"`
	Date  string `json:"date"`
}

// browserRows renders the listing in the shared browser session. With a
// script configured the script's rows are used; otherwise the rendered DOM
// goes through the normal extraction.
func (p *Pipeline) browserRows(ctx context.Context, src *scraper.SourceConfig) ([]discovery.RawRow, error) {
	if p.browser == nil {
		return nil, ErrNoBrowser
	}

	ctx, cancel := context.WithTimeout(ctx, BrowserTimeout)
	defer cancel()

	page, err := p.browser.AcquirePage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire page: %w", err)
	}
	defer p.browser.ReleasePage(page)

	if err := page.Navigate(ctx, src.URL); err != nil {
		return nil, err
	}

	bc := src.Browser
	if bc != nil && bc.WaitSelector != "" {
		if err := page.WaitVisible(ctx, bc.WaitSelector); err != nil {
			return nil, err
		}
	}

	if bc != nil && bc.Script != "" {
		var out []scriptRow
		if err := page.Evaluate(ctx, bc.Script, &out); err != nil {
			return nil, err
		}
		return p.scriptRows(out, src), nil
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := parseHTML([]byte(html))
	if err != nil {
		return nil, err
	}

	return discovery.ExtractIn(doc, src, p.window.Location), nil
}

func (p *Pipeline) scriptRows(out []scriptRow, src *scraper.SourceConfig) []discovery.RawRow {
	base := src.BaseURL
	if base == "" {
		base = src.URL
	}

	rows := make([]discovery.RawRow, 0, len(out))
	for _, r := range out {
		row := discovery.RawRow{
			Title: src.CleanTitle(r.Title),
			Link:  discovery.ResolveURL(base, r.Link),
		}
		if t, ok := dates.ParseIn(r.Date, p.window.Location); ok {
			row.Date = &t
		}
		rows = append(rows, row)
	}

	return discovery.FilterRows(rows, src)
}
