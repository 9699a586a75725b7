// Package preferences decides which postings a user wants to hear about and
// loads the rules that say so.
package preferences

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"gigwatch/services/watcher/internal/models"
)

// Matches evaluates p against the merged rule set. Exclusions win over
// everything, then every include group must hit, then title filters, then
// location filters. An empty set matches everything.
func Matches(p models.Posting, rules []models.PreferenceRule) (bool, string) {
	if len(rules) == 0 {
		return true, "no preferences configured"
	}

	merged := merge(rules)
	subject := p.Title + " " + p.Company

	for _, kw := range merged.ExcludeKeywords {
		if containsKeyword(subject, kw) {
			return false, fmt.Sprintf("excluded keyword %q", kw)
		}
	}

	var hits []string
	for i, group := range merged.IncludeGroups {
		kw, ok := firstHit(subject, group)
		if !ok {
			return false, fmt.Sprintf("no keyword from include group %d %v", i+1, group)
		}
		hits = append(hits, kw)
	}

	if len(merged.TitleFilters) > 0 {
		kw, ok := firstHit(p.Title, merged.TitleFilters)
		if !ok {
			return false, "title matches no title filter"
		}
		hits = append(hits, kw)
	}

	if len(merged.Locations) > 0 {
		loc, ok := locationHit(p.Location, merged.Locations)
		if !ok {
			return false, fmt.Sprintf("location %q matches no location filter", p.Location)
		}
		hits = append(hits, loc)
	}

	if len(hits) == 0 {
		return true, "no active filters"
	}
	return true, "matched " + strings.Join(quoteAll(hits), ", ")
}

func merge(rules []models.PreferenceRule) models.PreferenceRule {
	var out models.PreferenceRule
	for _, r := range rules {
		out.ExcludeKeywords = append(out.ExcludeKeywords, nonEmpty(r.ExcludeKeywords)...)
		for _, g := range r.IncludeGroups {
			if g = nonEmpty(g); len(g) > 0 {
				out.IncludeGroups = append(out.IncludeGroups, g)
			}
		}
		out.TitleFilters = append(out.TitleFilters, nonEmpty(r.TitleFilters)...)
		out.Locations = append(out.Locations, nonEmpty(r.Locations)...)
	}
	return out
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstHit(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if containsKeyword(text, kw) {
			return kw, true
		}
	}
	return "", false
}

func locationHit(location string, filters []string) (string, bool) {
	lower := strings.ToLower(location)
	for _, f := range filters {
		if strings.Contains(lower, strings.ToLower(f)) {
			return f, true
		}
	}
	return "", false
}

// containsKeyword reports a case-insensitive occurrence of kw in text that
// is not embedded in a longer word, so "go" does not hit "Google".
func containsKeyword(text, kw string) bool {
	text = strings.ToLower(text)
	kw = strings.ToLower(strings.TrimSpace(kw))
	if kw == "" {
		return false
	}

	for offset := 0; offset <= len(text)-len(kw); {
		i := strings.Index(text[offset:], kw)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(kw)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		offset = start + 1
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
