package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// The wire types below never fail to decode: a value of the wrong shape leaves the zero value,
// so one odd field cannot drop a whole payload.

// Text accepts strings, numbers and booleans.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == '{' || b[0] == '[' || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if json.Unmarshal(b, &s) == nil {
			*t = Text(s)
		}
		return nil
	}
	*t = Text(b)
	return nil
}

func (t Text) String() string {
	return strings.TrimSpace(string(t))
}

// Bool accepts true/false, "true"/"false" and 0/1.
type Bool bool

func (v *Bool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	parsed, err := strconv.ParseBool(s)
	*v = Bool(err == nil && parsed)
	return nil
}

// Int accepts numbers and numeric strings.
type Int int64

func (v *Int) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*v = Int(n)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		*v = Int(f)
		return nil
	}
	*v = 0
	return nil
}

// Float accepts numbers and numeric strings.
type Float float64

func (v *Float) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		f = 0
	}
	*v = Float(f)
	return nil
}

// Instant accepts Unix seconds or milliseconds (number or numeric string), protobuf Long
// objects ({"low":..,"high":..}) and RFC3339 strings.
type Instant time.Time

// values above this are milliseconds; 1e12 seconds is far beyond any real timestamp
const millisThreshold = 1_000_000_000_000

func (v *Instant) UnmarshalJSON(b []byte) error {
	*v = Instant(time.Time{})
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	if b[0] == '{' {
		var long struct {
			Low  Int `json:"low"`
			High Int `json:"high"`
		}
		if json.Unmarshal(b, &long) == nil {
			*v = Instant(fromUnix(int64(long.High)<<32 | int64(uint32(long.Low))))
		}
		return nil
	}

	s := strings.Trim(string(b), `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*v = Instant(fromUnix(n))
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		*v = Instant(fromUnix(int64(f)))
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			*v = Instant(t.UTC())
			return nil
		}
	}
	return nil
}

func (v Instant) Time() time.Time {
	return time.Time(v)
}

func fromUnix(n int64) time.Time {
	switch {
	case n <= 0:
		return time.Time{}
	case n >= millisThreshold:
		return time.UnixMilli(n).UTC()
	default:
		return time.Unix(n, 0).UTC()
	}
}
