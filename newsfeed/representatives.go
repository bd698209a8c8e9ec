package newsfeed

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pevans/newsharvest/scraper"
)

// Representatives picks one row per cluster. Rows are grouped by trimmed
// cluster key, falling back to the title and then the link when the key is
// blank. Within a group the winner comes from the best-ranked source, then
// has the newest publication time, then the shortest title. ranks maps
// source ids to scraper.TierRank values; unknown sources rank as
// scraper.TierOther. Groups keep the order in which they first appear in
// rows.
func Representatives(rows []Row, ranks map[string]int) []Row {
	rank := func(sourceID string) int {
		if r, ok := ranks[sourceID]; ok {
			return r
		}
		return scraper.TierRank(scraper.TierOther)
	}

	var order []string
	groups := make(map[string][]Row)
	for _, row := range rows {
		key := groupKey(row)
		if key == "" {
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], row)
	}

	out := make([]Row, 0, len(order))
	for _, key := range order {
		group := groups[key]
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if ra, rb := rank(a.SourceID), rank(b.SourceID); ra != rb {
				return ra < rb
			}
			if ta, tb := publishedUnix(a), publishedUnix(b); ta != tb {
				return ta > tb
			}
			return utf8.RuneCountInString(a.Title) < utf8.RuneCountInString(b.Title)
		})
		out = append(out, group[0])
	}

	return out
}

func groupKey(row Row) string {
	for _, k := range []string{row.ClusterKey, row.Title, row.Link} {
		if k = strings.TrimSpace(k); k != "" {
			return k
		}
	}
	return ""
}

// publishedUnix orders undated rows last.
func publishedUnix(row Row) int64 {
	if row.PublishedAt == nil {
		return 0
	}
	return row.PublishedAt.UnixNano()
}
