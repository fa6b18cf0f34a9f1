package evidence

import "time"

// canonicalLayout is fixed-width ISO-8601 UTC with millisecond precision.
// Fixed width makes lexicographic string comparison equivalent to
// chronological comparison, which the evidence sort orders rely on.
const canonicalLayout = "2006-01-02T15:04:05.000Z"

// parseLayouts are the timestamp shapes accepted from upstream records, in
// order of preference.
var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CanonicalTimestamp rewrites a timestamp string to canonical form: UTC,
// explicit offset, millisecond precision. A string that matches none of the
// accepted layouts is returned unchanged; malformed timestamps surface as
// sort-order anomalies in the bundle rather than as generation failures.
func CanonicalTimestamp(raw string) string {
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(canonicalLayout)
		}
	}
	return raw
}

// FormatTime renders a known-good time in canonical form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(canonicalLayout)
}
