// SPDX-License-Identifier: ice License 1.0

package query

import (
	"log"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/nostrwire/relaycore/model"
)

const (
	whereBuilderDefaultWhere = "1=1"
)

var ErrWhereBuilderInvalidTimeRange = errors.New("invalid time range")

// whereBuilder compiles filters into one WHERE clause. Every value is a
// named bound parameter, untrusted input never reaches the SQL text.
type whereBuilder struct {
	Params map[string]any
	strings.Builder
}

func newWhereBuilder() *whereBuilder {
	return &whereBuilder{
		Params: make(map[string]any),
	}
}

func (w *whereBuilder) addParam(filterID, name string, value any) (key string) {
	key = filterID + name
	w.Params[key] = value

	return key
}

func deduplicateSlice[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	j := 0
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		s[j] = v
		j++
	}

	return s[:j]
}

func buildFromSlice[T comparable](builder *whereBuilder, filterID string, s []T, name string) *whereBuilder {
	if len(s) == 0 {
		return builder
	}

	builder.maybeAND()
	builder.WriteString(name)
	s = deduplicateSlice(s)
	if len(s) == 1 {
		// X = :X_name.
		builder.WriteString(" = :")
		builder.WriteString(builder.addParam(filterID, name, s[0]))

		return builder
	}

	// X in (:X_name0, :X_name1, ...).
	builder.WriteString(" IN (")
	for i := range len(s) - 1 {
		builder.WriteRune(':')
		builder.WriteString(builder.addParam(filterID, name+strconv.Itoa(i), s[i]))
		builder.WriteRune(',')
	}
	builder.WriteRune(':')
	builder.WriteString(builder.addParam(filterID, name+strconv.Itoa(len(s)-1), s[len(s)-1]))
	builder.WriteRune(')')

	return builder
}

func (w *whereBuilder) isOnBegin() bool {
	if w.Len() == 1 && w.String() == "(" {
		return true
	}

	s := w.String()

	return s[len(s)-1] == '(' || s[len(s)-2:] == "( "
}

func (w *whereBuilder) maybeAND() {
	if w.Len() == 0 || w.isOnBegin() {
		return
	}

	w.WriteString(" AND ")
}

func (w *whereBuilder) maybeOR() {
	if w.Len() == 0 || w.isOnBegin() {
		return
	}

	w.WriteString(" OR ")
}

// One membership subquery per constrained tag name: OR within the
// values of a name, AND across distinct names.
func (w *whereBuilder) applyFilterTags(filterID string, tags model.TagMap) {
	const valuesMax = 21

	if len(tags) == 0 {
		return
	}

	tagID := 0
	for tag, values := range tags {
		if len(values) == 0 {
			continue
		}
		if len(values) > valuesMax {
			log.Printf("%#v: too many values for tag %q, only the first %d will be used", values, tag, valuesMax)
			values = values[:valuesMax]
		}

		w.maybeAND()
		tagID++
		w.WriteString("id IN (select event_id from event_tags where event_tags.relay_id = events.relay_id AND name = :")
		w.WriteString(w.addParam(filterID, "tag"+strconv.Itoa(tagID), tag))
		w.WriteString(" AND value")
		values = deduplicateSlice(values)
		if len(values) == 1 {
			w.WriteString(" = :")
			w.WriteString(w.addParam(filterID, "tagvalue"+strconv.Itoa(tagID<<8), values[0]))
		} else {
			w.WriteString(" IN (")
			for i, value := range values {
				if i > 0 {
					w.WriteRune(',')
				}
				w.WriteRune(':')
				w.WriteString(w.addParam(filterID, "tagvalue"+strconv.Itoa(tagID<<8|i+1), value))
			}
			w.WriteRune(')')
		}
		w.WriteRune(')')
	}
}

func (w *whereBuilder) applyTimeRange(filterID string, since, until *model.Timestamp) error {
	if since != nil && until != nil && *since > 0 && *until > 0 && *since > *until {
		return errors.Wrapf(ErrWhereBuilderInvalidTimeRange, "since [%d] is greater than until [%d]", *since, *until)
	}

	// Events with `created_at` greater than or equal to `since` match.
	if since != nil && *since > 0 {
		w.maybeAND()
		w.WriteString("created_at >= :")
		w.WriteString(w.addParam(filterID, "since", *since))
	}

	// The `until` bound is exclusive: `created_at` must be less than it.
	if until != nil && *until > 0 {
		w.maybeAND()
		w.WriteString("created_at < :")
		w.WriteString(w.addParam(filterID, "until", *until))
	}

	return nil
}

// filterIsWildcard also treats zero time bounds and tag names with no
// required values as absent, so the filter section never ends up empty.
func filterIsWildcard(f *model.Filter) bool {
	if model.IsUnconstrained(f) {
		return true
	}
	if len(f.IDs)+len(f.Kinds)+len(f.Authors) > 0 {
		return false
	}
	if (f.Since != nil && *f.Since > 0) || (f.Until != nil && *f.Until > 0) {
		return false
	}
	for _, values := range f.Tags {
		if len(values) > 0 {
			return false
		}
	}

	return true
}

func (w *whereBuilder) applyFilter(idx int, filter *model.Filter) error {
	filterID := "filter" + strconv.Itoa(idx) + "_"
	w.WriteRune('(') // Begin the filter section.
	buildFromSlice(w, filterID, filter.IDs, "id")
	buildFromSlice(w, filterID, filter.Kinds, "kind")
	buildFromSlice(w, filterID, filter.Authors, "pubkey")
	if err := w.applyTimeRange(filterID, filter.Since, filter.Until); err != nil {
		return err
	}
	w.applyFilterTags(filterID, filter.Tags)

	w.WriteRune(')') // End the filter section.

	return nil
}

// Build compiles the filters into the disjunction of their sections.
// No filters (or all-empty filters) compile to the match-all clause.
func (w *whereBuilder) Build(filters ...model.Filter) (sql string, params map[string]any, err error) {
	for idx := range filters {
		if filterIsWildcard(&filters[idx]) {
			// A wildcard filter swallows the whole disjunction.
			return whereBuilderDefaultWhere, make(map[string]any), nil
		}
		w.maybeOR()
		if err := w.applyFilter(idx, &filters[idx]); err != nil {
			return "", nil, errors.Wrapf(err, "failed to apply filter %d", idx)
		}
	}

	// If there are no filters, return the default WHERE clause.
	if w.Len() == 0 {
		return whereBuilderDefaultWhere, w.Params, nil
	}

	return w.String(), w.Params, nil
}
