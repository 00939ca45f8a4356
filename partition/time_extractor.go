package partition

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ErrTimeExtraction marks partitions whose values cannot be turned into a
// timestamp. It is a configuration problem and is never retried.
var ErrTimeExtraction = errors.New("partition time extraction failed")

// DefaultTimestampLayouts are tried in order when no layout is configured.
var DefaultTimestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var placeholderPattern = regexp.MustCompile(`\$([A-Za-z0-9_]+)`)

// TimeExtractor derives the time a partition represents from its values. A
// pattern like "$d $e:00:00" combines the values of columns d and e into a
// timestamp string that is parsed in UTC.
type TimeExtractor struct {
	pattern string
	layouts []string
	// Placeholder keys longest first so "$dt" is never replaced as "$d"+"t".
	keys []string
}

// NewTimeExtractor validates the pattern against the table's partition keys.
// An empty pattern uses the value of the first partition key. An empty layout
// tries DefaultTimestampLayouts.
func NewTimeExtractor(pattern, layout string, partitionKeys []string) (*TimeExtractor, error) {
	if len(partitionKeys) == 0 {
		return nil, fmt.Errorf("%w: table has no partition keys", ErrTimeExtraction)
	}
	if pattern == "" {
		pattern = "$" + partitionKeys[0]
	}

	var keys []string
	for _, match := range placeholderPattern.FindAllStringSubmatch(pattern, -1) {
		if !slices.Contains(partitionKeys, match[1]) {
			return nil, fmt.Errorf("%w: pattern %q references unknown partition key %q", ErrTimeExtraction, pattern, match[1])
		}
		keys = append(keys, match[1])
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: pattern %q has no $key placeholders", ErrTimeExtraction, pattern)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})

	layouts := DefaultTimestampLayouts
	if layout != "" {
		layouts = []string{layout}
	}

	return &TimeExtractor{
		pattern: pattern,
		layouts: layouts,
		keys:    slices.Compact(keys),
	}, nil
}

func (e *TimeExtractor) Extract(spec Spec) (time.Time, error) {
	s := e.pattern
	for _, k := range e.keys {
		v, ok := spec.Get(k)
		if !ok {
			return time.Time{}, fmt.Errorf("%w: partition %s has no value for %q", ErrTimeExtraction, spec, k)
		}
		s = strings.ReplaceAll(s, "$"+k, v)
	}

	for _, layout := range e.layouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: partition %s produced %q which matches none of %q", ErrTimeExtraction, spec, s, e.layouts)
}
