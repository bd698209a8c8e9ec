package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pevans/newsharvest/harvest"
	"github.com/pevans/newsharvest/newsfeed"
	"github.com/pevans/newsharvest/scraper"
	"github.com/pevans/newsharvest/sources"
)

// truncate shortens s to max runes, marking the cut with "...".
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}

// printItemsTable prints harvested items in human-readable format
func printItemsTable(items []harvest.Item) {
	if len(items) == 0 {
		fmt.Println("No items to display.")
		return
	}

	for _, item := range items {
		published := "unknown"
		if item.PublishedAt != nil {
			published = item.PublishedAt.Format("2006-01-02 15:04")
		}

		fmt.Printf("%s\n", truncate(item.Title, 70))
		fmt.Printf("   %s | Published: %s\n", item.Source, published)
		if item.ClusterKey != "" {
			fmt.Printf("   Cluster: %s\n", truncate(item.ClusterKey, 90))
		}
		fmt.Printf("   URL: %s\n", item.Link)
		fmt.Println()
	}
}

// printRunSummary prints one line per source and the run totals
func printRunSummary(result *harvest.RunResult) {
	fmt.Printf("Run %s\n", result.RunID)
	for _, s := range result.Sources {
		if s.Err != nil {
			fmt.Printf("  ✗ %-24s %v\n", s.SourceID, s.Err)
			continue
		}
		fmt.Printf("  ✓ %-24s %d items\n", s.SourceID, s.Items)
	}
	fmt.Printf("%d sources succeeded, %d failed, %d items\n",
		result.Succeeded(), result.Failed(), len(result.Items))
}

// printRowsTable prints stored rows in human-readable format
func printRowsTable(rows []newsfeed.Row) {
	if len(rows) == 0 {
		fmt.Println("No pending items.")
		return
	}

	fmt.Printf("%d pending items\n\n", len(rows))
	for _, row := range rows {
		published := "unknown"
		if row.PublishedAt != nil {
			published = row.PublishedAt.Format("2006-01-02 15:04")
		}

		fmt.Printf("%s\n", truncate(row.Title, 70))
		fmt.Printf("   %s | Published: %s | Stored: %s\n",
			row.SourceID,
			published,
			row.CreatedAt.Format("2006-01-02 15:04"),
		)
		if row.Content != nil && *row.Content != "" {
			fmt.Printf("   %s\n", truncate(strings.TrimSpace(*row.Content), 150))
		}
		fmt.Printf("   Cluster: %s\n", row.ClusterKey)
		fmt.Printf("   URL: %s\n", row.Link)
		fmt.Println()
	}
}

// printRowsJSON prints stored rows in JSON format
func printRowsJSON(rows []newsfeed.Row) error {
	if rows == nil {
		rows = []newsfeed.Row{}
	}
	output := map[string]any{
		"items": rows,
		"total": len(rows),
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

// printSourcesTable prints the catalogue with each source's last run
func printSourcesTable(catalog []scraper.SourceConfig, health map[string]sources.Health) {
	if len(catalog) == 0 {
		fmt.Println("No sources configured.")
		return
	}

	fmt.Printf("%-24s %-8s %-8s %-18s %s\n", "ID", "KIND", "ENABLED", "LAST RUN", "URL")
	fmt.Println("----------------------------------------------------------------------------------------------------")

	for _, src := range catalog {
		enabled := "no"
		if src.Enabled {
			enabled = "yes"
		}

		lastRun := "never"
		if h, ok := health[src.ID]; ok {
			lastRun = h.LastRunAt.Local().Format("2006-01-02 15:04")
			if !h.Healthy() {
				lastRun = fmt.Sprintf("failing x%d", h.FetchErrorCount)
			}
		}

		fmt.Printf("%-24s %-8s %-8s %-18s %s\n", truncate(src.ID, 24), src.Kind, enabled, lastRun, src.URL)
	}
}
