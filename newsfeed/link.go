package newsfeed

import (
	"net/url"
	"sort"
	"strings"
)

var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
	"ref_src": true,
}

// NormalizeLink returns the canonical form of a link used as the store's
// unique key. Scheme and host are lower-cased, default ports, fragments and
// tracking parameters are dropped, and a trailing slash is removed from any
// path but the root. Remaining query pairs keep their raw encoding and are
// sorted by key. Values that are not absolute URLs are only trimmed.
// NormalizeLink is idempotent.
func NormalizeLink(raw string) string {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return s
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if port := u.Port(); (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = strings.TrimSuffix(u.Host, ":"+port)
	}

	u.Fragment = ""
	u.RawFragment = ""

	u.RawQuery = cleanQuery(u.RawQuery)
	u.ForceQuery = false

	if ep := u.EscapedPath(); ep == "" {
		u.Path = "/"
		u.RawPath = ""
	} else if len(ep) > 1 && strings.HasSuffix(ep, "/") {
		trimmed := strings.TrimRight(ep, "/")
		if trimmed == "" {
			trimmed = "/"
		}
		if p, err := url.PathUnescape(trimmed); err == nil {
			u.Path = p
			u.RawPath = trimmed
		}
	}

	return u.String()
}

// cleanQuery drops tracking pairs from a raw query and sorts the rest by
// key. Pairs are kept byte for byte, so separators such as ';' inside a
// value survive.
func cleanQuery(raw string) string {
	if raw == "" {
		return ""
	}

	type pair struct{ key, raw string }
	var kept []pair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, _, _ := strings.Cut(part, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		lk := strings.ToLower(key)
		if trackingParams[lk] || strings.HasPrefix(lk, "utm_") {
			continue
		}
		kept = append(kept, pair{key: key, raw: part})
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].key < kept[j].key })

	parts := make([]string, len(kept))
	for i, p := range kept {
		parts[i] = p.raw
	}
	return strings.Join(parts, "&")
}
