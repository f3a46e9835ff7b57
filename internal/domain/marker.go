package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Marker is a persisted freshness marker: either a (year, month) pair for
// monthly-versioned archives or a timestamp for header-versioned files.
// The zero Marker means "never processed".
type Marker struct {
	monthly bool
	year    int
	month   time.Month
	at      time.Time
}

// MonthMarker returns the marker for a monthly release.
func MonthMarker(year int, month time.Month) Marker {
	return Marker{monthly: true, year: year, month: month}
}

// TimeMarker returns the marker for a header-versioned release.
func TimeMarker(t time.Time) Marker {
	return Marker{at: t.UTC()}
}

// EpochMarker is the default used when no usable state exists.
func EpochMarker(monthly bool) Marker {
	if monthly {
		return MonthMarker(1970, time.January)
	}
	return TimeMarker(time.Unix(0, 0))
}

func (m Marker) IsZero() bool      { return !m.monthly && m.at.IsZero() }
func (m Marker) IsMonthly() bool   { return m.monthly }
func (m Marker) Time() time.Time   { return m.at }
func (m Marker) Year() int         { return m.year }
func (m Marker) Month() time.Month { return m.month }

// Compare orders two markers of the same variant. ok is false when the
// variants differ (or either side is zero), in which case no order exists.
func (m Marker) Compare(o Marker) (cmp int, ok bool) {
	if m.IsZero() || o.IsZero() || m.monthly != o.monthly {
		return 0, false
	}
	if m.monthly {
		switch {
		case m.year != o.year:
			return sign(m.year - o.year), true
		default:
			return sign(int(m.month) - int(o.month)), true
		}
	}
	return m.at.Compare(o.at), true
}

// After reports whether m is strictly newer than o. A marker is always newer
// than the zero marker; markers of different variants are never ordered.
func (m Marker) After(o Marker) bool {
	if o.IsZero() {
		return !m.IsZero()
	}
	c, ok := m.Compare(o)
	return ok && c > 0
}

func (m Marker) String() string {
	switch {
	case m.monthly:
		return fmt.Sprintf("%04d-%02d", m.year, int(m.month))
	case m.at.IsZero():
		return "never"
	default:
		return m.at.Format(time.RFC3339)
	}
}

func (m Marker) MarshalJSON() ([]byte, error) {
	if m.monthly {
		return json.Marshal([2]int{m.year, int(m.month)})
	}
	if m.at.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(m.at.Format(time.RFC3339))
}

// timestampLayouts covers RFC 3339 and the offset-less ISO-8601 forms
// written by older tooling.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (m *Marker) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Marker{}
		return nil
	}
	var pair []int
	if err := json.Unmarshal(data, &pair); err == nil {
		if len(pair) != 2 || pair[1] < 1 || pair[1] > 12 {
			return fmt.Errorf("invalid [year, month] marker: %s", data)
		}
		*m = MonthMarker(pair[0], time.Month(pair[1]))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("marker must be [year, month] or a timestamp string: %w", err)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*m = TimeMarker(t)
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp marker %q", s)
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
