package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the canonical form written to timestamp columns
const TimestampLayout = "2006-01-02T15:04:05"

var (
	isoPrefixRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	zonedRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}.*(Z|[+-]\d{2}(:?\d{2})?)$`)
	brDateRegex    = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})(?:[ T]+(\d{1,2}):(\d{1,2})(?::(\d{1,2}))?)?$`)
)

// fallbackLayouts are tried in order once the ISO and Brazilian forms fail
var fallbackLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.ANSIC,
	"January 2, 2006 15:04",
	"January 2, 2006",
	"Jan 2, 2006 15:04",
	"Jan 2, 2006",
	"2 Jan 2006",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"02-01-2006 15:04",
	"02-01-2006",
	"02.01.2006 15:04",
	"02.01.2006",
}

// Timestamp converts a raw CRM value into the canonical timestamp string.
// ok is false for empty or unparseable input; err explains unparseable input.
func Timestamp(raw any) (value string, ok bool, err error) {
	switch v := raw.(type) {
	case nil:
		return "", false, nil
	case string:
		return timestampFromString(v)
	case time.Time:
		if v.IsZero() {
			return "", false, nil
		}
		return v.Format(TimestampLayout), true, nil
	case json.Number:
		f, perr := v.Float64()
		if perr != nil {
			return "", false, fmt.Errorf("invalid epoch %q: %w", v.String(), perr)
		}
		return fromEpoch(f), true, nil
	case float64:
		return fromEpoch(v), true, nil
	case int64:
		return fromEpoch(float64(v)), true, nil
	case int:
		return fromEpoch(float64(v)), true, nil
	default:
		return "", false, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

func timestampFromString(s string) (string, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false, nil
	}

	if isoPrefixRegex.MatchString(s) {
		return s, true, nil
	}

	if m := brDateRegex.FindStringSubmatch(s); m != nil {
		t, err := brazilianDate(m)
		if err != nil {
			return "", false, err
		}
		return t.Format(TimestampLayout), true, nil
	}

	for _, layout := range fallbackLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(TimestampLayout), true, nil
		}
	}

	return "", false, fmt.Errorf("unrecognized date format %q", s)
}

// brazilianDate builds a time from DD/MM/YYYY[ HH:MM[:SS]] submatches and
// rejects values time.Date would silently roll over (31/02, 25:00).
func brazilianDate(m []string) (time.Time, error) {
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])

	var hour, minute, second int
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
	}
	if m[6] != "" {
		second, _ = strconv.Atoi(m[6])
	}

	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, fmt.Errorf("invalid time of day in %q", m[0])
	}

	t := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month || t.Year() != year {
		return time.Time{}, fmt.Errorf("invalid calendar date in %q", m[0])
	}
	return t, nil
}

// fromEpoch accepts unix seconds or milliseconds
func fromEpoch(f float64) string {
	if math.Abs(f) >= 1e12 {
		return time.UnixMilli(int64(f)).UTC().Format(TimestampLayout)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC().Format(TimestampLayout)
}

// comparableLayouts cover the ISO forms stored as-is by Timestamp: T or space
// separator, minute or second precision, colon, compact or hour-only offsets.
// Fractional seconds are accepted after the seconds field by time.Parse.
var comparableLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05-07",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
	"2006-01-02T15:04",
	"2006-01-02 15:04Z07:00",
	"2006-01-02 15:04Z0700",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp reads a timestamp from either side of the sync for
// freshness comparison. Values without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if !isoPrefixRegex.MatchString(s) {
		canonical, ok, _ := timestampFromString(s)
		if !ok {
			return time.Time{}, false
		}
		s = canonical
	}
	for _, layout := range comparableLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// HasZone reports whether an ISO timestamp carries a UTC designator or offset
func HasZone(s string) bool {
	return zonedRegex.MatchString(strings.TrimSpace(s))
}

// Unreadable reports a non-empty timestamp ParseTimestamp cannot read
func Unreadable(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	_, ok := ParseTimestamp(s)
	return !ok
}

// NotOlder reports whether local is at least as recent as remote.
//
// An empty remote never counts as newer: when the CRM omits update_date an
// existing row is not refreshed by batch sync, only by webhooks. A non-empty
// remote that cannot be read counts as newer, as does an unreadable local value.
func NotOlder(local, remote string) bool {
	if strings.TrimSpace(remote) == "" {
		return true
	}
	r, ok := ParseTimestamp(remote)
	if !ok {
		return false
	}
	l, ok := ParseTimestamp(local)
	if !ok {
		return false
	}
	return !l.Before(r)
}
