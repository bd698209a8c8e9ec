package harvest

import (
	"time"
)

// Item is a harvested news item ready for clustering and storage.
type Item struct {
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Source      string     `json:"source"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Content     string     `json:"content,omitempty"`
	ClusterKey  string     `json:"cluster_key,omitempty"`
}
