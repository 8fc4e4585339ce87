package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FYStartMonth is the first month of the financial year (April to March).
const FYStartMonth = time.April

const fyPrefix = "FY"

// ResolveFinancialYear returns the label of the financial year containing t,
// e.g. FY2425 for 2024-04-01 through 2025-03-31.
func ResolveFinancialYear(t time.Time) string {
	t = t.UTC()
	start := t.Year()
	if t.Month() < FYStartMonth {
		start--
	}
	return fmt.Sprintf("%s%02d%02d", fyPrefix, start%100, (start+1)%100)
}

// FinancialYearStart returns the first instant of the financial year
// identified by label. Labels with or without the FY prefix are accepted.
func FinancialYearStart(label string) (time.Time, error) {
	start, _, _, err := parseFY(label)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(2000+start, FYStartMonth, 1, 0, 0, 0, 0, time.UTC), nil
}

// PreviousFY returns the label of the financial year before label, keeping
// the label's form: FY2425 -> FY2324, 2425 -> 2324, FY0001 -> FY9900.
// Unparseable labels are returned unchanged.
func PreviousFY(label string) string {
	start, _, prefix, err := parseFY(label)
	if err != nil {
		return label
	}
	prev := (start + 99) % 100
	return fmt.Sprintf("%s%02d%02d", prefix, prev, start)
}

func parseFY(label string) (start, end int, prefix string, err error) {
	s := strings.TrimSpace(label)
	if strings.HasPrefix(strings.ToUpper(s), fyPrefix) {
		prefix = s[:len(fyPrefix)]
		s = s[len(fyPrefix):]
	}
	if len(s) != 4 {
		return 0, 0, "", fmt.Errorf("ledger: malformed financial year %q", label)
	}
	start, err = strconv.Atoi(s[:2])
	if err != nil {
		return 0, 0, "", fmt.Errorf("ledger: malformed financial year %q", label)
	}
	end, err = strconv.Atoi(s[2:])
	if err != nil {
		return 0, 0, "", fmt.Errorf("ledger: malformed financial year %q", label)
	}
	if (start+1)%100 != end {
		return 0, 0, "", fmt.Errorf("ledger: financial year %q does not span consecutive years", label)
	}
	return start, end, prefix, nil
}

// MonthKey returns the calendar month bucket key (YYYYMM) for t.
func MonthKey(t time.Time) string {
	return t.UTC().Format("200601")
}

// DayKey returns the calendar day key (YYYY-MM-DD) for t.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// WeekKey returns the ISO week key (YYYY-Www) for t.
func WeekKey(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// CompareFY orders two financial year labels chronologically. Labels that do
// not parse are compared as strings.
func CompareFY(a, b string) int {
	sa, _, _, errA := parseFY(a)
	sb, _, _, errB := parseFY(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	// two-digit years: treat 70..99 as 19xx so FY9900 sorts before FY0001
	century := func(y int) int {
		if y >= 70 {
			return 1900 + y
		}
		return 2000 + y
	}
	return century(sa) - century(sb)
}
