// SPDX-License-Identifier: ice License 1.0

package model

import (
	"slices"
)

func (s *Subscription) Match(event *Event) bool {
	for idx := range s.Filters {
		if FilterMatches(&s.Filters[idx], event) {
			return true
		}
	}

	return false
}

// FilterMatches is the live-matching predicate: it decides whether a
// freshly accepted event is relevant to one filter. Cheapest checks go
// first so mismatches bail out before the tag scan.
func FilterMatches(f *Filter, event *Event) bool {
	if len(f.IDs) != 0 && !slices.Contains(f.IDs, event.ID) {
		return false
	}
	if len(f.Authors) != 0 && !slices.Contains(f.Authors, event.PubKey) {
		return false
	}
	if len(f.Kinds) != 0 && !slices.Contains(f.Kinds, event.Kind) {
		return false
	}
	if f.Since != nil && *f.Since > 0 && event.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && *f.Until > 0 && event.CreatedAt >= *f.Until {
		return false
	}
	for tagName, values := range f.Tags {
		if !tagInList(event.Tags, tagName, values) {
			return false
		}
	}

	return true
}

// Tag constraints are OR within one tag name, AND across distinct
// names. A name absent from the filter imposes nothing.
func tagInList(eventTags Tags, tagName string, values []string) bool {
	if len(values) == 0 {
		return true
	}
	for _, tag := range eventTags {
		if len(tag) >= 2 && tag[0] == tagName && slices.Contains(values, tag[1]) {
			return true
		}
	}

	return false
}

// IsUnconstrained reports whether the filter matches every event.
// Policy uses it to reject or specially limit wildcard subscriptions.
func IsUnconstrained(f *Filter) bool {
	return len(f.IDs) == 0 &&
		len(f.Kinds) == 0 &&
		len(f.Authors) == 0 &&
		len(f.Tags) == 0 &&
		f.Since == nil &&
		f.Until == nil
}
