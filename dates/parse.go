// Package dates turns the loosely formatted dates found on listing and
// article pages into timestamps, and decides whether a timestamp belongs to
// the current harvest window.
package dates

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var (
	isoRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?)?`)

	prefixRe  = regexp.MustCompile(`(?i)^(?:posted|published)(?:\s+on)?\s*:?\s*`)
	atRe      = regexp.MustCompile(`(?i)\s+at\s+`)
	ordinalRe = regexp.MustCompile(`(?i)(\d+)(?:st|nd|rd|th)\b`)
	commasRe  = regexp.MustCompile(`,+`)

	// "November 6, 2025", "Nov. 6 2025 3:15 pm"
	mdyRe = regexp.MustCompile(`(?i)\b([a-z]{3,9})\.?\s+(\d{1,2}),?\s+(\d{4})(?:,?\s+(\d{1,2}):(\d{2})(?:\s*([ap])\.?m\.?)?)?`)
	// "6 November 2025"
	dmyRe = regexp.MustCompile(`(?i)\b(\d{1,2})\s+([a-z]{3,9})\.?,?\s+(\d{4})\b`)
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// Dates outside this range are treated as parse noise.
var (
	minYear = 1990
	maxYear = 2100
)

// ParseLoose parses a date in UTC. See ParseIn.
func ParseLoose(raw string) (time.Time, bool) {
	return ParseIn(raw, time.UTC)
}

// ParseIn parses a date embedded in noisy text. Values without an explicit
// offset are interpreted in loc. Strategies run in order and the first
// success wins: an ISO date substring, a Month-Day-Year pattern after
// stripping "Posted"/"Published" prefixes and ordinal suffixes, the text
// before " in ", and finally a generic parser over the whole string.
func ParseIn(raw string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	if t, ok := parseISO(s, loc); ok {
		return t, true
	}

	clean := prefixRe.ReplaceAllString(s, "")
	clean = atRe.ReplaceAllString(clean, " ")
	clean = strings.ReplaceAll(clean, "|", " ")
	clean = ordinalRe.ReplaceAllString(clean, "$1")
	clean = commasRe.ReplaceAllString(clean, ",")
	clean = strings.Join(strings.Fields(clean), " ")

	if t, ok := parseMonthName(clean, loc); ok {
		return t, true
	}

	if idx := strings.Index(clean, " in "); idx > 0 {
		if t, ok := parseGeneric(strings.TrimSpace(clean[:idx]), loc); ok {
			return t, true
		}
	}

	return parseGeneric(clean, loc)
}

func parseISO(s string, loc *time.Location) (time.Time, bool) {
	m := isoRe.FindString(s)
	if m == "" {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		t, err := time.ParseInLocation(layout, m, loc)
		if err == nil {
			return checked(t)
		}
	}
	return time.Time{}, false
}

func parseMonthName(s string, loc *time.Location) (time.Time, bool) {
	for _, m := range mdyRe.FindAllStringSubmatch(s, -1) {
		month, ok := lookupMonth(m[1])
		if ok {
			day, _ := strconv.Atoi(m[2])
			year, _ := strconv.Atoi(m[3])
			hour, minute := 0, 0
			if m[4] != "" {
				hour, _ = strconv.Atoi(m[4])
				minute, _ = strconv.Atoi(m[5])
				switch strings.ToLower(m[6]) {
				case "p":
					if hour < 12 {
						hour += 12
					}
				case "a":
					if hour == 12 {
						hour = 0
					}
				}
			}
			if t, ok := build(year, month, day, hour, minute, loc); ok {
				return t, true
			}
		}
	}

	for _, m := range dmyRe.FindAllStringSubmatch(s, -1) {
		month, ok := lookupMonth(m[2])
		if ok {
			day, _ := strconv.Atoi(m[1])
			year, _ := strconv.Atoi(m[3])
			if t, ok := build(year, month, day, 0, 0, loc); ok {
				return t, true
			}
		}
	}

	return time.Time{}, false
}

func parseGeneric(s string, loc *time.Location) (time.Time, bool) {
	// dateparse reads short digit runs as unix timestamps
	if len(s) < 6 || !strings.ContainsAny(s, "-/:., ") {
		return time.Time{}, false
	}
	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return checked(t)
}

func lookupMonth(name string) (time.Month, bool) {
	name = strings.ToLower(name)
	if len(name) < 3 {
		return 0, false
	}
	month, ok := months[name[:3]]
	if !ok {
		return 0, false
	}
	// reject words that merely start like a month ("mayor", "marching")
	full := strings.ToLower(month.String())
	if name != full[:min(len(name), len(full))] {
		return 0, false
	}
	return month, true
}

func build(year int, month time.Month, day, hour, minute int, loc *time.Location) (time.Time, bool) {
	if day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, hour, minute, 0, 0, loc)
	if t.Day() != day {
		// time.Date normalised an impossible day such as Feb 30
		return time.Time{}, false
	}
	return checked(t)
}

func checked(t time.Time) (time.Time, bool) {
	if t.Year() < minYear || t.Year() > maxYear {
		return time.Time{}, false
	}
	return t, true
}
