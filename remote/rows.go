package remote

import (
	"fmt"
	"sort"
	"time"

	"fadedreams/autofix/domain"
)

var knownCollections = map[string]bool{
	domain.CollectionProfiles:      true,
	domain.CollectionRequests:      true,
	domain.CollectionMessages:      true,
	domain.CollectionNotifications: true,
}

func checkCollection(name string) error {
	if !knownCollections[name] {
		return fmt.Errorf("unknown collection %q", name)
	}
	return nil
}

// applyFields returns a copy of row with fields written over it.
func applyFields(row, fields domain.Row) domain.Row {
	out := row.Clone()
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func sortRows(rows []domain.Row, key string, desc bool) {
	if key == "" {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := compareValues(rows[i][key], rows[j][key])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// compareValues orders nil first, then by the natural order of the value type.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
