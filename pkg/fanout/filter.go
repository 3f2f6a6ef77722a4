// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package fanout

import (
	"fmt"
	"strings"
	"time"
)

// predicateOp is the comparison a single predicate applies.
type predicateOp int

const (
	opEquals predicateOp = iota
	opIn
	opPrefix
	opTimeRange
)

// predicate is one normalized condition over an event payload field.
type predicate struct {
	field  string
	op     predicateOp
	value  any
	set    map[string]struct{}
	prefix string
	since  time.Time
	until  time.Time
}

// Filter is the normalized form of a subscription filter: the intersection
// of its predicates. Matching is purely declarative.
type Filter struct {
	predicates []predicate
}

// NormalizeFilter converts a raw client filter into predicates. Supported
// value shapes per field:
//
//	scalar                          equality
//	array                           set membership
//	{"prefix": "src/"}              string prefix
//	{"since": ts} / {"until": ts}   time range, RFC3339 or epoch millis
func NormalizeFilter(raw map[string]any) (*Filter, error) {
	f := &Filter{}
	for field, value := range raw {
		switch v := value.(type) {
		case []any:
			set := make(map[string]struct{}, len(v))
			for _, item := range v {
				set[scalarKey(item)] = struct{}{}
			}
			f.predicates = append(f.predicates, predicate{field: field, op: opIn, set: set})
		case map[string]any:
			pred, err := normalizeOperator(field, v)
			if err != nil {
				return nil, err
			}
			f.predicates = append(f.predicates, pred)
		default:
			f.predicates = append(f.predicates, predicate{field: field, op: opEquals, value: v})
		}
	}
	return f, nil
}

func normalizeOperator(field string, spec map[string]any) (predicate, error) {
	if prefix, ok := spec["prefix"]; ok {
		s, ok := prefix.(string)
		if !ok {
			return predicate{}, fmt.Errorf("filter field %q: prefix must be a string", field)
		}
		return predicate{field: field, op: opPrefix, prefix: s}, nil
	}

	_, hasSince := spec["since"]
	_, hasUntil := spec["until"]
	if hasSince || hasUntil {
		pred := predicate{field: field, op: opTimeRange}
		if hasSince {
			t, err := parseFilterTime(spec["since"])
			if err != nil {
				return predicate{}, fmt.Errorf("filter field %q: since: %w", field, err)
			}
			pred.since = t
		}
		if hasUntil {
			t, err := parseFilterTime(spec["until"])
			if err != nil {
				return predicate{}, fmt.Errorf("filter field %q: until: %w", field, err)
			}
			pred.until = t
		}
		return pred, nil
	}
	return predicate{}, fmt.Errorf("filter field %q: unknown operator object (want prefix, since or until)", field)
}

func parseFilterTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("not RFC3339: %q", t)
		}
		return parsed, nil
	case float64:
		return time.UnixMilli(int64(t)), nil
	case int64:
		return time.UnixMilli(t), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %v", v)
	}
}

// Matches reports whether the payload satisfies every predicate. A nil
// filter matches everything.
func (f *Filter) Matches(payload map[string]any) bool {
	if f == nil {
		return true
	}
	for _, pred := range f.predicates {
		value, ok := payload[pred.field]
		if !ok {
			return false
		}
		if !pred.matches(value) {
			return false
		}
	}
	return true
}

func (p predicate) matches(value any) bool {
	switch p.op {
	case opEquals:
		return scalarKey(value) == scalarKey(p.value)
	case opIn:
		_, ok := p.set[scalarKey(value)]
		return ok
	case opPrefix:
		s, ok := value.(string)
		return ok && strings.HasPrefix(s, p.prefix)
	case opTimeRange:
		t, err := parseFilterTime(value)
		if err != nil {
			return false
		}
		if !p.since.IsZero() && t.Before(p.since) {
			return false
		}
		if !p.until.IsZero() && t.After(p.until) {
			return false
		}
		return true
	}
	return false
}

// scalarKey folds JSON scalar representations so 1 and 1.0 compare equal.
func scalarKey(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case bool:
		return fmt.Sprintf("b:%v", t)
	case float64:
		return fmt.Sprintf("n:%g", t)
	case int:
		return fmt.Sprintf("n:%g", float64(t))
	case int64:
		return fmt.Sprintf("n:%g", float64(t))
	default:
		return fmt.Sprintf("o:%v", t)
	}
}
