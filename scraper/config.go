package scraper

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Source kinds.
const (
	KindHTML    = "html"
	KindFeed    = "feed"
	KindBrowser = "browser"
)

// DefaultDetailConcurrency is used when a source does not set
// detail.concurrency.
const DefaultDetailConcurrency = 3

// Authority tiers, from most to least authoritative. An empty tier counts
// as TierOther.
const (
	TierOfficial   = "official"
	TierAgency     = "agency"
	TierMainstream = "mainstream"
	TierOther      = "other"
)

// TierRank orders tiers for picking a cluster representative. Lower ranks
// win. Official and agency sources share the top rank.
func TierRank(tier string) int {
	switch tier {
	case TierOfficial, TierAgency:
		return 0
	case TierMainstream:
		return 1
	default:
		return 2
	}
}

// TierRanks maps each source id to the rank of its tier.
func TierRanks(sources []SourceConfig) map[string]int {
	ranks := make(map[string]int, len(sources))
	for _, src := range sources {
		ranks[src.ID] = TierRank(src.Tier)
	}
	return ranks
}

// ErrInvalidSource is returned when a source configuration fails validation.
var ErrInvalidSource = errors.New("invalid source config")

// SourceConfig describes one harvestable source. It is loaded once before a
// run and never mutated afterwards.
type SourceConfig struct {
	ID            string            `yaml:"id" json:"id"`
	Name          string            `yaml:"name" json:"name"`
	Enabled       bool              `yaml:"enabled" json:"enabled"`
	Kind          string            `yaml:"kind" json:"kind"` // "html", "feed" or "browser"
	Tier          string            `yaml:"tier,omitempty" json:"tier,omitempty"`
	URL           string            `yaml:"url" json:"url"`
	BaseURL       string            `yaml:"baseUrl,omitempty" json:"base_url,omitempty"`
	Selectors     *Selectors        `yaml:"selectors,omitempty" json:"selectors,omitempty"`
	LinkIncludes  []string          `yaml:"linkIncludes,omitempty" json:"link_includes,omitempty"`
	LinkExcludes  []string          `yaml:"linkExcludes,omitempty" json:"link_excludes,omitempty"`
	TitleExcludes []string          `yaml:"titleExcludes,omitempty" json:"title_excludes,omitempty"`
	MaxItems      int               `yaml:"maxItems,omitempty" json:"max_items,omitempty"`
	Detail        DetailPolicy      `yaml:"detail,omitempty" json:"detail"`
	Headers       map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	TitleRules    []TitleRule       `yaml:"titleRules,omitempty" json:"title_rules,omitempty"`
	ContentRules  []ContentRule     `yaml:"contentRules,omitempty" json:"content_rules,omitempty"`
	DetailRewrite []URLRewrite      `yaml:"detailRewrite,omitempty" json:"detail_rewrite,omitempty"`
	Browser       *BrowserConfig    `yaml:"browser,omitempty" json:"browser,omitempty"`
}

// Selectors are the CSS selectors used to pull items out of a listing page.
// Title, Link and Date are relative to the ListItem node.
type Selectors struct {
	ListItem string `yaml:"listItem" json:"list_item"`
	Title    string `yaml:"title,omitempty" json:"title,omitempty"`
	Link     string `yaml:"link,omitempty" json:"link,omitempty"`
	Date     string `yaml:"date,omitempty" json:"date,omitempty"`
	// DateAttr names the attribute holding the date. Empty means the
	// element's text.
	DateAttr string `yaml:"dateAttr,omitempty" json:"date_attr,omitempty"`
	Content  string `yaml:"content,omitempty" json:"content,omitempty"`
}

// DetailPolicy controls when an item's own page is fetched.
type DetailPolicy struct {
	FetchWhenMissingDate bool `yaml:"fetchWhenMissingDate,omitempty" json:"fetch_when_missing_date"`
	AlwaysFetch          bool `yaml:"alwaysFetch,omitempty" json:"always_fetch"`
	Concurrency          int  `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
}

// Limit returns the effective detail concurrency.
func (d DetailPolicy) Limit() int {
	if d.Concurrency < 1 {
		return DefaultDetailConcurrency
	}
	return d.Concurrency
}

// Title rule types.
const (
	TitleTrimSuffix   = "trim-suffix"
	TitleStripPattern = "strip-pattern"
)

// TitleRule cleans up a listing title. trim-suffix removes a trailing
// literal (case-insensitive); strip-pattern removes every match of a regular
// expression.
type TitleRule struct {
	Type  string `yaml:"type" json:"type"`
	Value string `yaml:"value" json:"value"`

	re *regexp.Regexp
}

// pattern returns the rule's compiled expression. Rules that never went
// through Validate are compiled on demand.
func (r TitleRule) pattern() (*regexp.Regexp, error) {
	if r.re != nil {
		return r.re, nil
	}
	return regexp.Compile(r.Value)
}

// Content rule types.
const (
	ContentCutAfter = "cut-after"
)

// ContentRule trims boilerplate from extracted body text. cut-after drops
// the marker phrase and everything following it.
type ContentRule struct {
	Type  string `yaml:"type" json:"type"`
	Value string `yaml:"value" json:"value"`

	re *regexp.Regexp
}

// marker matches Value case-insensitively in the original text.
func (r ContentRule) marker() *regexp.Regexp {
	if r.re != nil {
		return r.re
	}
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(r.Value))
}

// URLRewrite replaces From with To in a detail URL right before it is
// requested.
type URLRewrite struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// BrowserConfig configures listing retrieval through a script-executing
// page. When Script is set it must evaluate to an array of
// {title, link, date} objects; otherwise the rendered DOM goes through the
// normal selectors.
type BrowserConfig struct {
	WaitSelector string `yaml:"waitSelector,omitempty" json:"wait_selector,omitempty"`
	Script       string `yaml:"script,omitempty" json:"script,omitempty"`
}

// CleanTitle collapses whitespace and applies the source's title rules.
func (c *SourceConfig) CleanTitle(raw string) string {
	t := strings.Join(strings.Fields(raw), " ")
	for _, rule := range c.TitleRules {
		switch rule.Type {
		case TitleTrimSuffix:
			if len(t) >= len(rule.Value) && strings.EqualFold(t[len(t)-len(rule.Value):], rule.Value) {
				t = t[:len(t)-len(rule.Value)]
			}
		case TitleStripPattern:
			re, err := rule.pattern()
			if err != nil {
				continue
			}
			t = re.ReplaceAllString(t, "")
		}
		t = strings.TrimSpace(t)
	}
	return t
}

// CleanContent applies the source's content rules.
func (c *SourceConfig) CleanContent(content string) string {
	for _, rule := range c.ContentRules {
		if rule.Type != ContentCutAfter || rule.Value == "" {
			continue
		}
		if loc := rule.marker().FindStringIndex(content); loc != nil {
			content = content[:loc[0]]
		}
	}
	return strings.TrimSpace(content)
}

// RewriteDetailURL applies the source's detail URL rewrites in order.
func (c *SourceConfig) RewriteDetailURL(link string) string {
	for _, rw := range c.DetailRewrite {
		if rw.From == "" {
			continue
		}
		link = strings.Replace(link, rw.From, rw.To, 1)
	}
	return link
}

// Validate checks that the source has everything its kind needs.
func (c *SourceConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSource)
	}
	if c.URL == "" {
		return fmt.Errorf("%w: %s: url is required", ErrInvalidSource, c.ID)
	}

	switch c.Kind {
	case KindHTML:
		if c.Selectors == nil || c.Selectors.ListItem == "" {
			return fmt.Errorf("%w: %s: selectors.listItem is required", ErrInvalidSource, c.ID)
		}
	case KindFeed:
	case KindBrowser:
		if c.Browser == nil {
			return fmt.Errorf("%w: %s: browser block is required", ErrInvalidSource, c.ID)
		}
		if c.Browser.Script == "" && (c.Selectors == nil || c.Selectors.ListItem == "") {
			return fmt.Errorf("%w: %s: browser sources need a script or selectors.listItem", ErrInvalidSource, c.ID)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidSource, c.ID, c.Kind)
	}

	switch c.Tier {
	case "", TierOfficial, TierAgency, TierMainstream, TierOther:
	default:
		return fmt.Errorf("%w: %s: unknown tier %q", ErrInvalidSource, c.ID, c.Tier)
	}

	for i := range c.TitleRules {
		rule := &c.TitleRules[i]
		switch rule.Type {
		case TitleTrimSuffix:
		case TitleStripPattern:
			re, err := regexp.Compile(rule.Value)
			if err != nil {
				return fmt.Errorf("%w: %s: bad title pattern: %v", ErrInvalidSource, c.ID, err)
			}
			rule.re = re
		default:
			return fmt.Errorf("%w: %s: unknown title rule %q", ErrInvalidSource, c.ID, rule.Type)
		}
	}
	for i := range c.ContentRules {
		rule := &c.ContentRules[i]
		if rule.Type != ContentCutAfter {
			return fmt.Errorf("%w: %s: unknown content rule %q", ErrInvalidSource, c.ID, rule.Type)
		}
		if rule.Value != "" {
			rule.re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(rule.Value))
		}
	}

	return nil
}
