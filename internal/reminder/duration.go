package reminder

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	day = 24 * time.Hour

	// Month and year are fixed-length: no calendar arithmetic.
	month = 30 * day
	year  = 365 * day
)

var durationUnits = map[string]time.Duration{
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  day,
	"w":  7 * day,
	"mo": month,
	"y":  year,
}

// ParseDuration parses "<digits><unit>" where unit is one of s, m, h, d, w, mo, y.
// Input is trimmed and case-insensitive; anything else (signs, fractions, inner
// whitespace, compound forms like "1h30m") is rejected with ErrParse.
//
// A zero magnitude parses successfully; callers decide whether zero is allowed.
func ParseDuration(text string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(text))

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i == len(s) {
		return 0, fmt.Errorf("%w: %q", ErrParse, text)
	}
	unit, ok := durationUnits[s[i:]]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrParse, text)
	}
	n, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil || n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q is too large", ErrParse, text)
	}
	return time.Duration(n) * unit, nil
}

// FormatDuration renders d in the largest unit of the ParseDuration grammar that
// divides it exactly, so FormatDuration(ParseDuration(x)) round-trips "90m" as "90m".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	for _, u := range []struct {
		name string
		d    time.Duration
	}{{"y", year}, {"mo", month}, {"w", 7 * day}, {"d", day}, {"h", time.Hour}, {"m", time.Minute}} {
		if d%u.d == 0 {
			return strconv.FormatInt(int64(d/u.d), 10) + u.name
		}
	}
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}
