// Package schedule converts fertilizing cadences into concrete due dates.
//
// Cadences are stored as strings. Several formats have been written over
// time (free text such as "monthly" or "every 4 weeks", canonical tokens
// such as "every_4_weeks"), so every format is resolved here and nowhere
// else. Unrecognised input falls back to DefaultInterval.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Interval is a positive number of days between care events.
type Interval int

const (
	// DefaultInterval is used for cadences that cannot be resolved.
	DefaultInterval Interval = 28

	// MaxInterval bounds parsed cadences to one (leap) year.
	MaxInterval Interval = 366

	daysPerWeek  = 7
	daysPerMonth = 28 // a month is four weeks in the cadence table
)

// Days returns the interval as an int.
func (iv Interval) Days() int {
	return int(iv)
}

// Valid reports whether the interval is within 1..MaxInterval.
func (iv Interval) Valid() bool {
	return iv >= 1 && iv <= MaxInterval
}

// String returns the canonical token for the interval.
func (iv Interval) String() string {
	switch {
	case iv == 1:
		return "every_day"
	case iv == daysPerWeek:
		return "every_week"
	case iv > 0 && iv%daysPerWeek == 0:
		return fmt.Sprintf("every_%d_weeks", int(iv)/daysPerWeek)
	default:
		return fmt.Sprintf("every_%d_days", int(iv))
	}
}

// wordTable holds legacy free-text cadences that carry no number.
// Keys are in normalized form (see normalizeKey).
var wordTable = map[string]Interval{
	"daily":             1,
	"every day":         1,
	"weekly":            7,
	"every week":        7,
	"once a week":       7,
	"biweekly":          14,
	"fortnightly":       14,
	"every other week":  14,
	"monthly":           28,
	"every month":       28,
	"once a month":      28,
	"bimonthly":         56,
	"every other month": 56,
	"quarterly":         84,
}

var countedPattern = regexp.MustCompile(`^(?:every )?(\d+) (day|days|week|weeks|month|months)$`)

// Lookup resolves a cadence string. ok is false when the string is not
// recognised or resolves outside 1..MaxInterval.
func Lookup(raw string) (iv Interval, ok bool) {
	key := normalizeKey(raw)
	if key == "" {
		return 0, false
	}

	if v, found := wordTable[key]; found {
		return v, true
	}

	// Bare numbers were written by the first schema version as day counts.
	if n, err := strconv.Atoi(key); err == nil {
		iv = Interval(n)
		return iv, iv.Valid()
	}

	m := countedPattern.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n > int(MaxInterval) {
		return 0, false
	}
	switch strings.TrimSuffix(m[2], "s") {
	case "day":
		iv = Interval(n)
	case "week":
		iv = Interval(n * daysPerWeek)
	case "month":
		iv = Interval(n * daysPerMonth)
	}
	return iv, iv.Valid()
}

// Normalize resolves a cadence string to a day count, falling back to
// DefaultInterval for anything Lookup does not recognise.
func Normalize(raw string) Interval {
	return NormalizeWithDefault(raw, DefaultInterval)
}

// NormalizeWithDefault is Normalize with a caller-chosen fallback. An
// invalid fallback is replaced by DefaultInterval.
func NormalizeWithDefault(raw string, fallback Interval) Interval {
	if iv, ok := Lookup(raw); ok {
		return iv
	}
	if !fallback.Valid() {
		return DefaultInterval
	}
	return fallback
}

// Canonical rewrites a cadence string into its canonical token.
// Canonical(Canonical(x)) == Canonical(x) for every input.
func Canonical(raw string) string {
	return Normalize(raw).String()
}

// NextDue returns lastCareAt plus iv calendar days. Calendar arithmetic
// keeps the wall-clock time stable across daylight-saving transitions.
func NextDue(lastCareAt time.Time, iv Interval) time.Time {
	return lastCareAt.AddDate(0, 0, iv.Days())
}

// DaysBetween returns the number of calendar days from from to to. Each
// side is read as a date in its own location, so a stored fixed offset
// and a named zone agree on the day. Negative when to is earlier.
func DaysBetween(from, to time.Time) int {
	a := civilDate(from)
	b := civilDate(to)
	return int(b.Sub(a).Hours() / 24)
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func normalizeKey(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
