package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pevans/newsharvest/metrics"
	"github.com/pevans/newsharvest/scraper"
)

type fakeFetcher struct {
	pages map[string]string
	hang  map[string]bool
	delay time.Duration

	mu        sync.Mutex
	requested []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeFetcher) FetchHTML(ctx context.Context, rawURL string, _ map[string]string) (*goquery.Document, error) {
	f.mu.Lock()
	f.requested = append(f.requested, rawURL)
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if f.hang[rawURL] {
		<-ctx.Done()
		return nil, fmt.Errorf("failed to fetch URL: %w", ctx.Err())
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	body, ok := f.pages[rawURL]
	if !ok {
		return nil, errors.New("failed to fetch URL: not found")
	}
	return goquery.NewDocumentFromReader(strings.NewReader(body))
}

func TestNeedsDetail(t *testing.T) {
	now := time.Now()
	dated := RawRow{Link: "https://x/a", Date: &now}
	undated := RawRow{Link: "https://x/b"}

	assert.False(t, NeedsDetail(undated, scraper.DetailPolicy{}))
	assert.True(t, NeedsDetail(undated, scraper.DetailPolicy{FetchWhenMissingDate: true}))
	assert.False(t, NeedsDetail(dated, scraper.DetailPolicy{FetchWhenMissingDate: true}))
	assert.True(t, NeedsDetail(dated, scraper.DetailPolicy{AlwaysFetch: true}))
}

// TestDetailPlanner_FillsMissingDate verifies the published_time meta tag
// fills an undated row.
func TestDetailPlanner_FillsMissingDate(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://x/a": `<html><head><meta property="article:published_time" content="2025-01-10T12:00:00Z"></head>
			<body><article><p>Body text of the story that is long enough to count as content.</p></article></body></html>`,
	}}

	rows := []RawRow{{Title: "Story", Link: "https://x/a"}}
	cfg := &scraper.SourceConfig{ID: "x", Detail: scraper.DetailPolicy{FetchWhenMissingDate: true}}

	p := NewDetailPlanner(fetcher, nil, nil, nil)
	result := p.Plan(context.Background(), rows, cfg)

	assert.Equal(t, PlanResult{Planned: 1, Fetched: 1}, result)
	require.NotNil(t, rows[0].Date)
	assert.True(t, time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC).Equal(*rows[0].Date))
	assert.Equal(t, "Body text of the story that is long enough to count as content.", rows[0].Content)
}

// TestDetailPlanner_IsolatesFailures verifies one timed-out fetch does not
// affect the other rows in the batch.
func TestDetailPlanner_IsolatesFailures(t *testing.T) {
	pages := map[string]string{}
	var rows []RawRow
	for i := 1; i <= 5; i++ {
		link := fmt.Sprintf("https://x/%d", i)
		pages[link] = fmt.Sprintf(`<html><body><time datetime="2025-01-0%dT10:00:00Z">Jan %d</time>
			<div class="entry-content"><p>Story %d first paragraph.</p><p>Second.</p><p>Third.</p></div></body></html>`, i, i, i)
		rows = append(rows, RawRow{Title: fmt.Sprintf("Story %d", i), Link: link})
	}

	fetcher := &fakeFetcher{pages: pages, hang: map[string]bool{"https://x/3": true}}
	cfg := &scraper.SourceConfig{
		ID:     "x",
		Detail: scraper.DetailPolicy{FetchWhenMissingDate: true, Concurrency: 3},
	}

	reg := prometheus.NewRegistry()
	p := NewDetailPlanner(fetcher, time.UTC, nil, metrics.NewCollector(reg))
	p.timeout = 50 * time.Millisecond

	var result PlanResult
	require.NotPanics(t, func() {
		result = p.Plan(context.Background(), rows, cfg)
	})

	assert.Equal(t, 5, result.Planned)
	assert.Equal(t, 4, result.Fetched)
	assert.Equal(t, 1, result.Failed)

	for i, row := range rows {
		if row.Link == "https://x/3" {
			assert.Nil(t, row.Date)
			assert.Empty(t, row.Content)
			continue
		}
		require.NotNil(t, row.Date, row.Link)
		assert.Equal(t, i+1, row.Date.Day())
		assert.Contains(t, row.Content, fmt.Sprintf("Story %d first paragraph.", i+1))
	}
}

// TestDetailPlanner_BoundsConcurrency verifies no more than the configured
// number of fetches run at once.
func TestDetailPlanner_BoundsConcurrency(t *testing.T) {
	pages := map[string]string{}
	var rows []RawRow
	for i := range 12 {
		link := fmt.Sprintf("https://x/%d", i)
		pages[link] = `<html><body><p>text</p></body></html>`
		rows = append(rows, RawRow{Title: "t", Link: link})
	}

	fetcher := &fakeFetcher{pages: pages, delay: 20 * time.Millisecond}
	cfg := &scraper.SourceConfig{ID: "x", Detail: scraper.DetailPolicy{AlwaysFetch: true, Concurrency: 2}}

	result := NewDetailPlanner(fetcher, nil, nil, nil).Plan(context.Background(), rows, cfg)

	assert.Equal(t, 12, result.Fetched)
	assert.LessOrEqual(t, fetcher.maxInFlight.Load(), int32(2))
}

// TestDetailPlanner_RewritesAndSkips verifies URL rewrites are applied and
// dated rows are left alone.
func TestDetailPlanner_RewritesAndSkips(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://www2.gnb.ca/content/gnb/en/news/item.html": `<html><body><p class="published">Published: January 21, 2025</p></body></html>`,
	}}

	rows := []RawRow{
		{Title: "Undated", Link: "https://www2.gnb.ca/en/news/item.html"},
		{Title: "Dated", Link: "https://www2.gnb.ca/en/news/other.html", Date: &now},
	}

	cfg := &scraper.SourceConfig{
		ID:            "gnb",
		Detail:        scraper.DetailPolicy{FetchWhenMissingDate: true},
		DetailRewrite: []scraper.URLRewrite{{From: "www2.gnb.ca/en/", To: "www2.gnb.ca/content/gnb/en/"}},
	}

	result := NewDetailPlanner(fetcher, nil, nil, nil).Plan(context.Background(), rows, cfg)

	assert.Equal(t, 1, result.Planned)
	assert.Equal(t, []string{"https://www2.gnb.ca/content/gnb/en/news/item.html"}, fetcher.requested)
	assert.Equal(t, "https://www2.gnb.ca/en/news/item.html", rows[0].Link, "the stored link is not rewritten")
	require.NotNil(t, rows[0].Date)
	assert.Equal(t, time.January, rows[0].Date.Month())
	assert.Equal(t, 21, rows[0].Date.Day())
}

type storedLinks struct {
	links map[string]bool
	err   error
}

func (s storedLinks) Exists(_ context.Context, link string) (bool, error) {
	return s.links[link], s.err
}

// TestDetailPlanner_SkipsStoredLinks verifies rows whose link is already
// stored are not fetched again.
func TestDetailPlanner_SkipsStoredLinks(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://x/new": `<html><body><time datetime="2025-01-10T12:00:00Z">Jan 10</time></body></html>`,
		"https://x/old": `<html><body><time datetime="2025-01-09T12:00:00Z">Jan 9</time></body></html>`,
	}}
	rows := []RawRow{
		{Title: "New", Link: "https://x/new"},
		{Title: "Old", Link: "https://x/old"},
	}
	cfg := &scraper.SourceConfig{ID: "x", Detail: scraper.DetailPolicy{AlwaysFetch: true}}

	p := NewDetailPlanner(fetcher, nil, nil, nil).
		WithKnownLinks(storedLinks{links: map[string]bool{"https://x/old": true}})
	result := p.Plan(context.Background(), rows, cfg)

	assert.Equal(t, PlanResult{Planned: 1, Fetched: 1, Skipped: 1}, result)
	assert.Equal(t, []string{"https://x/new"}, fetcher.requested)
	assert.NotNil(t, rows[0].Date)
	assert.Nil(t, rows[1].Date)
}

// TestDetailPlanner_LookupFailureStillFetches verifies a failing lookup
// does not cost the row its detail page.
func TestDetailPlanner_LookupFailureStillFetches(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://x/a": `<html><body><time datetime="2025-01-10T12:00:00Z">Jan 10</time></body></html>`,
	}}
	rows := []RawRow{{Title: "A", Link: "https://x/a"}}
	cfg := &scraper.SourceConfig{ID: "x", Detail: scraper.DetailPolicy{FetchWhenMissingDate: true}}

	p := NewDetailPlanner(fetcher, nil, nil, nil).
		WithKnownLinks(storedLinks{err: errors.New("database is locked")})
	result := p.Plan(context.Background(), rows, cfg)

	assert.Equal(t, PlanResult{Planned: 1, Fetched: 1}, result)
	assert.NotNil(t, rows[0].Date)
}

func TestExtractDetailDate(t *testing.T) {
	tests := []struct {
		name string
		html string
		want time.Time
	}{
		{
			name: "meta name date",
			html: `<head><meta name="date" content="2025-04-02"></head>`,
			want: time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "itemprop dateCreated",
			html: `<head><meta itemprop="dateCreated" content="2025-04-03T09:15:00-03:00"></head>`,
			want: time.Date(2025, 4, 3, 12, 15, 0, 0, time.UTC),
		},
		{
			name: "time datetime attribute",
			html: `<body><time datetime="2025-04-04T08:00:00Z">April 4</time></body>`,
			want: time.Date(2025, 4, 4, 8, 0, 0, 0, time.UTC),
		},
		{
			name: "date labelled element text",
			html: `<body><span class="post-date">April 5, 2025</span></body>`,
			want: time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "posted phrase in body",
			html: `<body><div>Some intro. Posted on: April 6th, 2025 by staff.</div></body>`,
			want: time.Date(2025, 4, 6, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractDetailDate(parseDoc(t, "<html>"+tt.html+"</html>"), time.UTC)
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestExtractDetailDate_None(t *testing.T) {
	got := ExtractDetailDate(parseDoc(t, `<html><body><p>No dates here at all.</p></body></html>`), time.UTC)
	assert.Nil(t, got)
}
