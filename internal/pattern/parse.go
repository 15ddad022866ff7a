package pattern

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var dateLayouts = []string{
	"1/2/2006",
	"01/02/2006",
	"1/2/06",
	"Jan 2 2006",
	"January 2 2006",
}

var (
	ordinalSuffix = regexp.MustCompile(`(?i)(\d)(st|nd|rd|th)\b`)
	septAbbrev    = regexp.MustCompile(`(?i)^sept\b`)
)

// ParseDate parses a captured date fragment. Month-name forms tolerate
// ordinals, trailing periods and optional commas. The result is midnight UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	s = ordinalSuffix.ReplaceAllString(s, "$1")
	s = strings.NewReplacer(",", " ", ".", " ").Replace(s)
	s = septAbbrev.ReplaceAllString(s, "Sep")
	s = strings.Join(strings.Fields(s), " ")

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// ParseAmount parses a captured numeric fragment as a non-negative decimal.
func ParseAmount(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// FindDate runs the date rules over the fields. The first rule whose capture
// parses wins; a capture that fails to parse moves the search to the next rule.
func (l *Library) FindDate(fields ...string) (time.Time, bool) {
	var (
		found time.Time
		ok    bool
	)
	l.Dates.Scan(func(m Match) bool {
		found, ok = ParseDate(m.Text)
		return ok
	}, fields...)
	return found, ok
}

// FindAmount runs the amount rules over the fields, skipping captures that are
// not numeric.
func (l *Library) FindAmount(fields ...string) (decimal.Decimal, bool) {
	var (
		found decimal.Decimal
		ok    bool
	)
	l.Amounts.Scan(func(m Match) bool {
		found, ok = ParseAmount(m.Text)
		return ok
	}, fields...)
	return found, ok
}

// FindCancelURL returns the first cancel link in an HTML body.
func (l *Library) FindCancelURL(html string) (string, bool) {
	m, ok := l.CancelURLs.FirstMatch(html)
	if !ok || m.Text == "" {
		return "", false
	}
	return m.Text, true
}

// IsTrialNotice reports whether the subject or body carries a trial signal.
func (l *Library) IsTrialNotice(subject, body string) bool {
	return l.TrialSubjects.MatchAny(subject) || l.TrialBodies.MatchAny(body)
}
