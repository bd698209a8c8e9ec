package discovery

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/pevans/newsharvest/dates"
	"github.com/pevans/newsharvest/metrics"
	"github.com/pevans/newsharvest/scraper"
)

// HTMLFetcher fetches and parses a page.
type HTMLFetcher interface {
	FetchHTML(ctx context.Context, rawURL string, headers map[string]string) (*goquery.Document, error)
}

var metaDateSelectors = []struct {
	selector string
	attr     string
}{
	{`meta[property="article:published_time"]`, "content"},
	{`meta[name="date"]`, "content"},
	{`meta[name="pubdate"]`, "content"},
	{`meta[itemprop="dateCreated"]`, "content"},
	{`time[datetime]`, "datetime"},
}

var labelledDateSelectors = []string{
	"time",
	".date",
	".post-date",
	".entry-date",
	".published",
	"p.published",
	".value.field_created",
	`[class*="date"]`,
}

var postedRe = regexp.MustCompile(`(?i)(?:posted|published)(?:\s+on)?\s*:?\s*([a-z]{3,9}\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4})`)

// ExtractDetailDate finds a publication date on a detail page: known meta
// tags first, then date-labelled elements, then a "Posted/Published" phrase
// in the body text.
func ExtractDetailDate(doc *goquery.Document, loc *time.Location) *time.Time {
	for _, m := range metaDateSelectors {
		v, ok := doc.Find(m.selector).First().Attr(m.attr)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if t, ok := dates.ParseIn(v, loc); ok {
			return &t
		}
	}

	for _, sel := range labelledDateSelectors {
		var found *time.Time
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			raw, ok := s.Attr("datetime")
			if !ok {
				raw = s.Text()
			}
			if t, ok := dates.ParseIn(raw, loc); ok {
				found = &t
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}

	if m := postedRe.FindStringSubmatch(collapse(doc.Find("body").Text())); m != nil {
		if t, ok := dates.ParseIn(m[1], loc); ok {
			return &t
		}
	}

	return nil
}

// NeedsDetail reports whether a row's detail page should be fetched under
// policy.
func NeedsDetail(row RawRow, policy scraper.DetailPolicy) bool {
	return policy.AlwaysFetch || (policy.FetchWhenMissingDate && row.Date == nil)
}

// KnownLinks reports whether a link is already stored.
type KnownLinks interface {
	Exists(ctx context.Context, link string) (bool, error)
}

// PlanResult summarizes one Plan call.
type PlanResult struct {
	Planned int
	Fetched int
	Failed  int
	// Skipped rows needed a detail fetch but their link is already stored.
	Skipped int
}

// DetailPlanner enriches rows from their detail pages with bounded
// concurrency.
type DetailPlanner struct {
	fetcher  HTMLFetcher
	location *time.Location
	timeout  time.Duration
	known    KnownLinks
	logger   *slog.Logger
	metrics  metrics.Recorder
}

// NewDetailPlanner creates a DetailPlanner. Zone-less dates found on detail
// pages are read in loc.
func NewDetailPlanner(fetcher HTMLFetcher, loc *time.Location, logger *slog.Logger, rec metrics.Recorder) *DetailPlanner {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &DetailPlanner{
		fetcher:  fetcher,
		location: loc,
		timeout:  DefaultTimeout,
		logger:   logger,
		metrics:  rec,
	}
}

// WithKnownLinks makes Plan skip rows whose link known already holds. The
// store ignores those rows on save, so their detail pages are not worth a
// request.
func (p *DetailPlanner) WithKnownLinks(known KnownLinks) *DetailPlanner {
	p.known = known
	return p
}

// Plan fetches the detail page of every selected row, filling in a missing
// date and the body content. At most cfg.Detail.Limit() fetches run at once.
// A failed fetch leaves its row as it was; Plan itself never fails.
func (p *DetailPlanner) Plan(ctx context.Context, rows []RawRow, cfg *scraper.SourceConfig) PlanResult {
	var result PlanResult
	var fetched, failed atomic.Int64

	sem := make(chan struct{}, cfg.Detail.Limit())
	var wg sync.WaitGroup

	for i := range rows {
		if !NeedsDetail(rows[i], cfg.Detail) {
			continue
		}
		if p.alreadyStored(ctx, rows[i].Link, cfg.ID) {
			result.Skipped++
			continue
		}
		result.Planned++

		wg.Add(1)
		go func(row *RawRow) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				failed.Add(1)
				return
			}
			defer func() { <-sem }()

			if p.enrich(ctx, row, cfg) {
				fetched.Add(1)
				p.metrics.RecordDetailFetch(cfg.ID, true)
			} else {
				failed.Add(1)
				p.metrics.RecordDetailFetch(cfg.ID, false)
			}
		}(&rows[i])
	}

	wg.Wait()

	result.Fetched = int(fetched.Load())
	result.Failed = int(failed.Load())

	return result
}

func (p *DetailPlanner) alreadyStored(ctx context.Context, link, sourceID string) bool {
	if p.known == nil {
		return false
	}
	ok, err := p.known.Exists(ctx, link)
	if err != nil {
		p.logger.Warn("known link lookup failed", "source", sourceID, "url", link, "error", err)
		return false
	}
	return ok
}

func (p *DetailPlanner) enrich(ctx context.Context, row *RawRow, cfg *scraper.SourceConfig) bool {
	target := cfg.RewriteDetailURL(row.Link)

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	doc, err := p.fetcher.FetchHTML(fetchCtx, target, cfg.Headers)
	if err != nil {
		p.logger.Warn("detail fetch failed", "source", cfg.ID, "url", target, "error", err)
		return false
	}

	// Dates first: content extraction strips elements that may hold them.
	if row.Date == nil {
		row.Date = ExtractDetailDate(doc, p.location)
	}
	if content := ExtractContent(doc, cfg); content != "" {
		row.Content = content
	}

	return true
}
