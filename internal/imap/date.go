package imap

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// imapDateRe matches the IMAP date-time format: DD-Mon-YYYY HH:MM:SS ±ZZZZ.
var imapDateRe = regexp.MustCompile(`^(\d{1,2})-([A-Za-z]{3})-(\d{4}) (\d{2}):(\d{2}):(\d{2}) ([+-]\d{4})$`)

var months = map[string]time.Month{
	"Jan": time.January, "Feb": time.February, "Mar": time.March, "Apr": time.April,
	"May": time.May, "Jun": time.June, "Jul": time.July, "Aug": time.August,
	"Sep": time.September, "Oct": time.October, "Nov": time.November, "Dec": time.December,
}

// ParseIMAPDate parses an IMAP date-time string into UTC, applying its
// ±ZZZZ offset.
func ParseIMAPDate(s string) (time.Time, error) {
	m := imapDateRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("imap: malformed date-time %q", s)
	}
	day, _ := strconv.Atoi(m[1])
	month, ok := months[capitalize(m[2])]
	if !ok {
		return time.Time{}, fmt.Errorf("imap: unknown month %q", m[2])
	}
	year, _ := strconv.Atoi(m[3])
	hour, _ := strconv.Atoi(m[4])
	minute, _ := strconv.Atoi(m[5])
	second, _ := strconv.Atoi(m[6])

	offsetSign := 1
	offsetStr := m[7]
	if offsetStr[0] == '-' {
		offsetSign = -1
	}
	offHours, _ := strconv.Atoi(offsetStr[1:3])
	offMinutes, _ := strconv.Atoi(offsetStr[3:5])
	offset := time.Duration(offsetSign) * (time.Duration(offHours)*time.Hour + time.Duration(offMinutes)*time.Minute)

	local := time.Date(year, month, day, hour, minute, second, 0, time.UTC)
	return local.Add(-offset), nil
}

// IsIMAPDate reports whether s matches the IMAP date-time regex, used by
// the APPEND argument scanner to distinguish a date-time token from a
// flag list or literal marker.
func IsIMAPDate(s string) bool {
	return imapDateRe.MatchString(s)
}

// FormatINTERNALDATE renders t (converted to UTC) as
// "DD-Mon-YYYY HH:MM:SS +0000".
func FormatINTERNALDATE(t time.Time) string {
	t = t.UTC()
	monthName := [...]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}[t.Month()-1]
	return fmt.Sprintf("%2d-%s-%04d %02d:%02d:%02d +0000", t.Day(), monthName, t.Year(), t.Hour(), t.Minute(), t.Second())
}

func capitalize(s string) string {
	if len(s) == 0 {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	for i := 1; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
