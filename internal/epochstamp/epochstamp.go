// Package epochstamp represents points in time as whole seconds since the
// Unix epoch plus a fraction in attoseconds, the resolution train-id
// timestamps are distributed with.
package epochstamp

import "time"

const (
	// AttosPerSecond is the fraction resolution.
	AttosPerSecond uint64 = 1_000_000_000_000_000_000
	attosPerMicro  uint64 = 1_000_000_000_000
	attosPerNano   uint64 = 1_000_000_000
)

// Stamp is a point in time.
type Stamp struct {
	Seconds  uint64
	Fraction uint64 // attoseconds, < AttosPerSecond
}

// Now returns the current wall-clock time.
func Now() Stamp {
	return FromTime(time.Now())
}

// FromTime converts t. Times before the epoch map to the zero stamp.
func FromTime(t time.Time) Stamp {
	if t.Unix() < 0 {
		return Stamp{}
	}
	return Stamp{
		Seconds:  uint64(t.Unix()),
		Fraction: uint64(t.Nanosecond()) * attosPerNano,
	}
}

// AddMicros returns s shifted forward by micros microseconds.
func (s Stamp) AddMicros(micros uint64) Stamp {
	secs := micros / 1_000_000
	rest := micros % 1_000_000

	frac := s.Fraction + rest*attosPerMicro
	secs += frac / AttosPerSecond
	frac %= AttosPerSecond

	return Stamp{Seconds: s.Seconds + secs, Fraction: frac}
}

// Time converts s to a time.Time, truncating to nanoseconds.
func (s Stamp) Time() time.Time {
	return time.Unix(int64(s.Seconds), int64(s.Fraction/attosPerNano))
}

// Before reports whether s is earlier than other.
func (s Stamp) Before(other Stamp) bool {
	if s.Seconds != other.Seconds {
		return s.Seconds < other.Seconds
	}
	return s.Fraction < other.Fraction
}
