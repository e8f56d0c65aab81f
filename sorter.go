package syncstore

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Values above this are assumed to be epoch milliseconds rather than plain
// numbers (anything earlier is not a plausible timestamp for this data).
const epochMsFloor = 1e11

type sortKind int

const (
	kindString sortKind = iota
	kindNumber
	kindTimestamp
)

var (
	isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	dmyDateRe = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)
)

type sortValue struct {
	kind sortKind
	ms   int64
	num  float64
	str  string
}

// classifySortValue buckets a field value, in priority order: timestamp-like,
// numeric, string. Both operands of a comparison must land in the same
// bucket for its comparator to apply; mismatches compare as strings.
func classifySortValue(v any) sortValue {
	switch v := v.(type) {
	case nil:
		return sortValue{kind: kindString, str: ""}
	case time.Time:
		return sortValue{kind: kindTimestamp, ms: v.UnixMilli(), str: v.Format(time.RFC3339)}
	case string:
		if isoDateRe.MatchString(v) {
			if t, ok := parseISODate(v); ok {
				return sortValue{kind: kindTimestamp, ms: t.UnixMilli(), str: v}
			}
		}
		if dmyDateRe.MatchString(v) {
			if t, err := time.Parse("02/01/2006", v); err == nil {
				return sortValue{kind: kindTimestamp, ms: t.UnixMilli(), str: v}
			}
		}
		if n, ok := parseNumeral(v); ok {
			return sortValue{kind: kindNumber, num: n, str: v}
		}
		return sortValue{kind: kindString, str: v}
	default:
		if n, ok := asNumber(v); ok {
			if n > epochMsFloor {
				return sortValue{kind: kindTimestamp, ms: int64(n), str: trimFloat(n)}
			}
			return sortValue{kind: kindNumber, num: n, str: trimFloat(n)}
		}
		if t, ok := asTime(v); ok {
			return sortValue{kind: kindTimestamp, ms: t.UnixMilli(), str: t.Format(time.RFC3339)}
		}
		return sortValue{kind: kindString, str: stringify(v)}
	}
}

func parseISODate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseNumeral parses numbers and numeral strings with thousands separators
// ("1,234.56").
func parseNumeral(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func trimFloat(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if n, ok := asNumber(v); ok {
		return trimFloat(n)
	}
	if b, ok := v.(bool); ok {
		return strconv.FormatBool(b)
	}
	if v == nil {
		return ""
	}
	// Composite values (maps, slices) don't order meaningfully; empty string
	// keeps them grouped without blowing up.
	return ""
}

// SortDocuments stably sorts docs in place by the given field. The remote
// store's native ordering is never used (it silently drops documents lacking
// the field), so this is the ordering authority for all loads and views.
func SortDocuments(docs []Document, sortKey, direction string) {
	if sortKey == "" {
		return
	}
	coll := collate.New(language.Und)
	desc := direction == SortDesc
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareSortValues(classifySortValue(docs[i][sortKey]), classifySortValue(docs[j][sortKey]), coll)
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func compareSortValues(a, b sortValue, coll *collate.Collator) int {
	if a.kind == b.kind {
		switch a.kind {
		case kindTimestamp:
			switch {
			case a.ms < b.ms:
				return -1
			case a.ms > b.ms:
				return 1
			}
			return 0
		case kindNumber:
			switch {
			case a.num < b.num:
				return -1
			case a.num > b.num:
				return 1
			}
			return 0
		}
	}
	return coll.CompareString(a.str, b.str)
}
