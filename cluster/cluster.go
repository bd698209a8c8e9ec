// Package cluster assigns cluster keys so that items describing the same
// real-world event share one key.
package cluster

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pevans/newsharvest/harvest"
)

// Clusterer sets ClusterKey on every item. It returns new items and leaves
// the input untouched.
type Clusterer interface {
	Cluster(ctx context.Context, items []harvest.Item) ([]harvest.Item, error)
}

// Key joins a base key and the item's UTC publication day. Items without a
// date are bucketed on now.
func Key(base string, published *time.Time, now time.Time) string {
	day := now
	if published != nil {
		day = *published
	}
	return base + "||" + day.UTC().Format("2006-01-02")
}

// TitleDay keys each item by its own title and publication day.
type TitleDay struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

// Cluster never fails.
func (c TitleDay) Cluster(_ context.Context, items []harvest.Item) ([]harvest.Item, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	out := make([]harvest.Item, len(items))
	for i, it := range items {
		it.ClusterKey = Key(strings.TrimSpace(it.Title), it.PublishedAt, now())
		out[i] = it
	}
	return out, nil
}

// ShortTitleLength and ShortTitleRatio define a mostly-short-title batch,
// which is not worth sending to a model.
const (
	ShortTitleLength = 8
	ShortTitleRatio  = 0.7
)

func mostlyShortTitles(items []harvest.Item) bool {
	if len(items) == 0 {
		return false
	}
	short := 0
	for _, it := range items {
		if utf8.RuneCountInString(strings.TrimSpace(it.Title)) <= ShortTitleLength {
			short++
		}
	}
	return float64(short)/float64(len(items)) > ShortTitleRatio
}

type fallbackClusterer struct {
	primary  Clusterer
	fallback Clusterer
	logger   *slog.Logger
}

// WithFallback returns a Clusterer that uses fallback whenever primary
// fails.
func WithFallback(primary, fallback Clusterer, logger *slog.Logger) Clusterer {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallbackClusterer{primary: primary, fallback: fallback, logger: logger}
}

func (c *fallbackClusterer) Cluster(ctx context.Context, items []harvest.Item) ([]harvest.Item, error) {
	out, err := c.primary.Cluster(ctx, items)
	if err == nil {
		return out, nil
	}

	c.logger.Warn("clustering failed, using title keys", "count", len(items), "error", err)
	return c.fallback.Cluster(ctx, items)
}
