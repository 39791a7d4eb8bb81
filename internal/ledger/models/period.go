package models

import (
	"fmt"
	"strconv"
	"time"

	dErrors "mutuelle/pkg/domain-errors"
)

// Period is a contribution period: one calendar month.
type Period struct {
	Year  int
	Month time.Month
}

const (
	minPeriodYear = 1900
	maxPeriodYear = 9999
)

// ParsePeriod parses "YYYY-MM". Anything else fails with CodeInvalidPeriod.
func ParsePeriod(s string) (Period, error) {
	if len(s) != 7 || s[4] != '-' {
		return Period{}, dErrors.New(dErrors.CodeInvalidPeriod, fmt.Sprintf("period %q must be YYYY-MM", s))
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil || year < minPeriodYear || year > maxPeriodYear {
		return Period{}, dErrors.New(dErrors.CodeInvalidPeriod, fmt.Sprintf("period %q has an invalid year", s))
	}
	month, err := strconv.Atoi(s[5:])
	if err != nil || month < 1 || month > 12 {
		return Period{}, dErrors.New(dErrors.CodeInvalidPeriod, fmt.Sprintf("period %q has an invalid month", s))
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// PeriodOf returns the period containing t (in UTC).
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) IsZero() bool { return p.Year == 0 }

// Start is the first instant of the period (UTC).
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant after the period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) Next() Period {
	return PeriodOf(p.End())
}

// Compare returns -1, 0 or +1.
func (p Period) Compare(o Period) int {
	switch {
	case p.Year < o.Year:
		return -1
	case p.Year > o.Year:
		return 1
	case p.Month < o.Month:
		return -1
	case p.Month > o.Month:
		return 1
	}
	return 0
}

func (p Period) Before(o Period) bool { return p.Compare(o) < 0 }
func (p Period) After(o Period) bool  { return p.Compare(o) > 0 }

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
