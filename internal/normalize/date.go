package normalize

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// DateLayout is the ISO calendar-day format of a date bucket
const DateLayout = "2006-01-02"

// serialEpoch is day zero of spreadsheet day-serial numbers
var serialEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// maxSerial is 9999-12-31 as a day serial
const maxSerial = 2958465

// Month-first layouts are tried before day-first ones; "31/01/2024" only parses day-first
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	DateLayout,
	"2006/01/02",
	"2006/1/2",
	"01/02/2006",
	"1/2/2006",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02.01.2006",
	"Jan 2 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	time.RFC1123Z,
	time.RFC1123,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
}

// ParseDate converts a date-like value into the UTC midnight of its calendar day.
// Numbers are spreadsheet day serials counted from 1899-12-30. It never panics;
// unsupported or unparseable input reports false
func ParseDate(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return dayOf(v)
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return dayOf(*v)
	case string:
		return parseString(v)
	case *string:
		if v == nil {
			return time.Time{}, false
		}
		return parseString(*v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromSerial(f)
	case float64:
		return fromSerial(v)
	case float32:
		return fromSerial(float64(v))
	case int:
		return fromSerial(float64(v))
	case int32:
		return fromSerial(float64(v))
	case int64:
		return fromSerial(float64(v))
	case uint:
		return fromSerial(float64(v))
	case uint32:
		return fromSerial(float64(v))
	case uint64:
		return fromSerial(float64(v))
	}
	return time.Time{}, false
}

// DateBucket returns the YYYY-MM-DD day of raw, or "" when raw is not a date
func DateBucket(raw any) string {
	t, ok := ParseDate(raw)
	if !ok {
		return ""
	}
	return t.Format(DateLayout)
}

// Day truncates t to the UTC midnight of its own calendar day
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayOf(t time.Time) (time.Time, bool) {
	if t.IsZero() {
		return time.Time{}, false
	}
	return Day(t), true
}

func parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), true
		}
	}
	return time.Time{}, false
}

func fromSerial(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > maxSerial {
		return time.Time{}, false
	}
	return serialEpoch.AddDate(0, 0, int(math.Floor(f))), true
}
