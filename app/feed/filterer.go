package feed

import (
	"fmt"
	"strings"
)

var filterFields = map[string]func(Item) string{
	"title":       func(i Item) string { return i.Title },
	"description": func(i Item) string { return i.Description },
	"content":     func(i Item) string { return i.Content },
	"link":        func(i Item) string { return i.Link },
	"authors":     func(i Item) string { return strings.Join(i.Authors, " ") },
	"categories":  func(i Item) string { return strings.Join(i.Categories, " ") },
}

type Filterer struct{}

func NewFilterer() *Filterer {
	return &Filterer{}
}

// Run marks the items rejected by the feed's filters. Filtered items are
// kept so they can be stored and later re-evaluated.
func (f *Filterer) Run(items []Item, feedConfig *Config) []Item {
	result := make([]Item, 0, len(items))
	for _, item := range items {
		item.IsFiltered, item.FilterReason = f.Match(item, feedConfig.Filters)
		result = append(result, item)
	}
	return result
}

// Match reports whether item is rejected and why. Excludes are checked
// before includes; matching is case-insensitive substring search.
func (f *Filterer) Match(item Item, filters []ConfigFilter) (bool, string) {
	for _, filter := range filters {
		value := f.getFieldValue(item, filter.Field)

		for _, exclude := range filter.Excludes {
			if f.matchesFilter(value, exclude) {
				return true, fmt.Sprintf("Excluded by %s filter: contains '%s'", filter.Field, exclude)
			}
		}

		if len(filter.Includes) > 0 {
			matched := false
			for _, include := range filter.Includes {
				if f.matchesFilter(value, include) {
					matched = true
					break
				}
			}
			if !matched {
				return true, fmt.Sprintf("Excluded by %s filter: does not contain any of %v", filter.Field, filter.Includes)
			}
		}
	}

	return false, ""
}

func (f *Filterer) matchesFilter(value, pattern string) bool {
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}

func (f *Filterer) getFieldValue(item Item, field string) string {
	if get, ok := filterFields[field]; ok {
		return get(item)
	}
	return ""
}
