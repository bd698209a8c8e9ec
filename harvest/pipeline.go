// Package harvest runs the per-source harvest cycle: listing extraction,
// detail enrichment, window filtering and truncation.
package harvest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/pevans/newsharvest/browser"
	"github.com/pevans/newsharvest/dates"
	"github.com/pevans/newsharvest/discovery"
	"github.com/pevans/newsharvest/metrics"
	"github.com/pevans/newsharvest/scraper"
)

// Timeouts for listing retrieval.
const (
	ListingTimeout = 20 * time.Second
	BrowserTimeout = browser.DefaultNavigateTimeout
)

// ErrNoBrowser is returned for browser sources when no session was
// configured.
var ErrNoBrowser = errors.New("source needs a browser session but none is configured")

// Fetcher is the HTTP capability the pipeline needs.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, headers map[string]string) (*discovery.Response, error)
	FetchHTML(ctx context.Context, rawURL string, headers map[string]string) (*goquery.Document, error)
}

// Config configures a Pipeline.
type Config struct {
	Fetcher Fetcher
	// Browser is optional; only browser sources use it.
	Browser      browser.Session
	Window       dates.Window
	IgnoreWindow bool
	// Known is optional. Rows whose link it already holds skip detail
	// enrichment.
	Known        discovery.KnownLinks
	Logger       *slog.Logger
	Metrics      metrics.Recorder
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline harvests sources.
type Pipeline struct {
	fetcher      Fetcher
	browser      browser.Session
	planner      *discovery.DetailPlanner
	window       dates.Window
	ignoreWindow bool
	logger       *slog.Logger
	metrics      metrics.Recorder
	now          func() time.Time
}

// NewPipeline creates a Pipeline from cfg.
func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	window := cfg.Window
	if window.Location == nil {
		window.Location = time.UTC
	}

	return &Pipeline{
		fetcher:      cfg.Fetcher,
		browser:      cfg.Browser,
		planner:      discovery.NewDetailPlanner(cfg.Fetcher, window.Location, logger, rec).WithKnownLinks(cfg.Known),
		window:       window,
		ignoreWindow: cfg.IgnoreWindow,
		logger:       logger,
		metrics:      rec,
		now:          now,
	}
}

// HarvestSource runs the full cycle for one source. An error means the
// listing could not be retrieved; detail failures are absorbed. Items are
// returned newest first, without undated items, filtered to the window
// unless it is ignored, and truncated to the source's maxItems.
func (p *Pipeline) HarvestSource(ctx context.Context, src *scraper.SourceConfig) ([]Item, error) {
	logger := p.logger.With("source", src.ID)

	rows, err := p.listing(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to harvest %s: %w", src.ID, err)
	}
	logger.Debug("listing extracted", "count", len(rows))

	plan := p.planner.Plan(ctx, rows, src)
	if plan.Planned > 0 || plan.Skipped > 0 {
		logger.Debug("detail pages fetched",
			"planned", plan.Planned,
			"fetched", plan.Fetched,
			"failed", plan.Failed,
			"skipped", plan.Skipped,
		)
	}

	now := p.now()
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		if row.Date == nil {
			continue
		}
		if !p.ignoreWindow && !p.window.Contains(row.Date, now) {
			continue
		}
		items = append(items, Item{
			Title:       row.Title,
			Link:        row.Link,
			Source:      src.ID,
			PublishedAt: row.Date,
			Content:     row.Content,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(*items[j].PublishedAt)
	})
	if src.MaxItems > 0 && len(items) > src.MaxItems {
		items = items[:src.MaxItems]
	}

	logger.Info("source harvested", "rows", len(rows), "count", len(items))
	return items, nil
}

func (p *Pipeline) listing(ctx context.Context, src *scraper.SourceConfig) ([]discovery.RawRow, error) {
	switch src.Kind {
	case scraper.KindFeed:
		return p.feedRows(ctx, src)
	case scraper.KindBrowser:
		return p.browserRows(ctx, src)
	default:
		return p.htmlRows(ctx, src)
	}
}

func (p *Pipeline) htmlRows(ctx context.Context, src *scraper.SourceConfig) ([]discovery.RawRow, error) {
	ctx, cancel := context.WithTimeout(ctx, ListingTimeout)
	defer cancel()

	doc, err := p.fetcher.FetchHTML(ctx, src.URL, src.Headers)
	if err != nil {
		return nil, err
	}

	return discovery.ExtractIn(doc, src, p.window.Location), nil
}

// SourceResult is the outcome of one source within a run.
type SourceResult struct {
	SourceID string
	Items    int
	Err      error
}

// RunResult aggregates a run over many sources.
type RunResult struct {
	RunID   string
	Items   []Item
	Sources []SourceResult
}

// Succeeded counts sources without a listing failure.
func (r *RunResult) Succeeded() int {
	n := 0
	for _, s := range r.Sources {
		if s.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts sources whose listing failed.
func (r *RunResult) Failed() int {
	return len(r.Sources) - r.Succeeded()
}

// Run harvests sources one after another. A failing source is logged and
// skipped. The returned items are ordered newest first across all sources.
func (p *Pipeline) Run(ctx context.Context, sources []scraper.SourceConfig) *RunResult {
	result := &RunResult{RunID: uuid.NewString()}
	logger := p.logger.With("run_id", result.RunID)

	for i := range sources {
		src := &sources[i]
		if err := ctx.Err(); err != nil {
			result.Sources = append(result.Sources, SourceResult{SourceID: src.ID, Err: err})
			continue
		}

		items, err := p.HarvestSource(ctx, src)
		if err != nil {
			logger.Error("source failed", "source", src.ID, "error", err)
			p.metrics.RecordSourceFailure(src.ID)
			result.Sources = append(result.Sources, SourceResult{SourceID: src.ID, Err: err})
			continue
		}

		p.metrics.RecordSourceSuccess(src.ID, len(items))
		result.Sources = append(result.Sources, SourceResult{SourceID: src.ID, Items: len(items)})
		result.Items = append(result.Items, items...)
	}

	sort.SliceStable(result.Items, func(i, j int) bool {
		return result.Items[i].PublishedAt.After(*result.Items[j].PublishedAt)
	})

	logger.Info("harvest run finished",
		"sources", len(sources),
		"succeeded", result.Succeeded(),
		"failed", result.Failed(),
		"count", len(result.Items),
	)

	return result
}

func parseHTML(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}
