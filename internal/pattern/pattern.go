// Package pattern holds the compiled-in rule tables used to recognise free-trial
// evidence in messages and bank transactions.
//
// Every table is ordered. Order is part of the contract: lookups return the first
// rule that matches, so reordering a table changes extraction results.
package pattern

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Rule is a named case-insensitive regular expression.
type Rule struct {
	Name string
	Re   *regexp.Regexp
}

// List is an ordered set of rules.
type List []Rule

// Match describes a successful rule lookup.
type Match struct {
	Rule  int    // index of the rule in its List
	Field int    // index of the field that matched, in the order passed by the caller
	Text  string // first capture group, or the whole match when the rule has no group
}

func rule(name, expr string) Rule {
	return Rule{Name: name, Re: regexp.MustCompile(`(?i)` + expr)}
}

// MatchAny reports whether any rule matches s.
func (l List) MatchAny(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range l {
		if r.Re.MatchString(s) {
			return true
		}
	}
	return false
}

// Scan walks the rules in table order. For each rule the fields are tried in the
// order given and only the first matching field is reported. fn returns true to
// stop the walk; returning false moves on to the next rule.
func (l List) Scan(fn func(Match) bool, fields ...string) {
	for i, r := range l {
		for f, field := range fields {
			if field == "" {
				continue
			}
			sub := r.Re.FindStringSubmatch(field)
			if sub == nil {
				continue
			}
			text := sub[0]
			if len(sub) > 1 {
				text = sub[1]
			}
			if fn(Match{Rule: i, Field: f, Text: strings.TrimSpace(text)}) {
				return
			}
			break
		}
	}
}

// FirstMatch returns the first rule (in table order) that matches any of the
// fields, trying fields in the order given.
func (l List) FirstMatch(fields ...string) (Match, bool) {
	var (
		found Match
		ok    bool
	)
	l.Scan(func(m Match) bool {
		found, ok = m, true
		return true
	}, fields...)
	return found, ok
}

// Library bundles every table needed by the classifiers and the scorer. A
// Library is built once at start-up and shared read-only.
type Library struct {
	TrialSubjects List
	TrialBodies   List
	Dates         List
	CancelURLs    List
	Amounts       List

	// Services is the ordered service catalog used for both email matching and
	// merchant resolution.
	Services []Service

	// TrialAmounts are charge amounts typical of a trial sign-up.
	TrialAmounts    []decimal.Decimal
	AmountTolerance decimal.Decimal

	// SubscriptionCategories are category keywords that mark a transaction as
	// subscription-like when its amount is below CategoryAmountCeiling.
	SubscriptionCategories []string
	CategoryAmountCeiling  decimal.Decimal

	DefaultTrialDays int

	// ReliableServices is the allow-list of service names the scorer trusts.
	ReliableServices []string
}

// Default returns the production rule tables.
func Default() *Library {
	return &Library{
		TrialSubjects:          trialSubjectRules(),
		TrialBodies:            trialBodyRules(),
		Dates:                  dateRules(),
		CancelURLs:             cancelURLRules(),
		Amounts:                amountRules(),
		Services:               defaultServices(),
		TrialAmounts:           decimals("0.00", "1.00", "0.99", "2.99", "4.99", "9.99"),
		AmountTolerance:        decimal.RequireFromString("0.01"),
		SubscriptionCategories: []string{"subscription", "entertainment", "software"},
		CategoryAmountCeiling:  decimal.NewFromInt(15),
		DefaultTrialDays:       14,
		ReliableServices: []string{
			"netflix", "spotify", "amazon", "apple", "disney", "hulu",
			"youtube", "adobe", "microsoft", "google", "dropbox",
		},
	}
}

func decimals(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

// IsTrialAmount reports whether the absolute amount is within tolerance of a
// typical trial charge.
func (l *Library) IsTrialAmount(amount decimal.Decimal) bool {
	amount = amount.Abs()
	for _, p := range l.TrialAmounts {
		if amount.Sub(p).Abs().LessThan(l.AmountTolerance) {
			return true
		}
	}
	return false
}

// HasSubscriptionCategory reports whether any category mentions a
// subscription-like keyword.
func (l *Library) HasSubscriptionCategory(categories []string) bool {
	for _, cat := range categories {
		cat = strings.ToLower(cat)
		for _, kw := range l.SubscriptionCategories {
			if strings.Contains(cat, kw) {
				return true
			}
		}
	}
	return false
}

// IsReliableService reports whether name contains an allow-listed service,
// case-insensitively.
func (l *Library) IsReliableService(name string) bool {
	name = strings.ToLower(name)
	if name == "" {
		return false
	}
	for _, s := range l.ReliableServices {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

func trialSubjectRules() List {
	return List{
		rule("free_trial", `free\s+trial`),
		rule("trial_period", `trial\s+period`),
		rule("start_trial", `start.*trial`),
		rule("trial_started", `trial.*started`),
		rule("welcome_trial", `welcome.*trial`),
		rule("confirm_subscription", `confirm.*subscription`),
		rule("subscription_confirmation", `subscription.*confirmation`),
		rule("premium_trial", `premium.*trial`),
		rule("pro_trial", `\bpro\b.*trial`),
		rule("trial_expires", `trial.*expires?`),
		rule("trial_ending", `trial.*ending`),
	}
}

func trialBodyRules() List {
	return List{
		rule("trial_period", `trial\s+period`),
		rule("free_trial", `free\s+trial`),
		rule("trial_ends", `trial\s+ends?\b`),
		rule("trial_expires", `trial\s+expires?\b`),
		rule("cancel_before", `cancel.*\bbefore\b`),
		rule("automatic_billing", `automatic.*billing`),
		rule("auto_renew", `subscription.*auto.*renew`),
		rule("price_after_trial", `\$\d+.*after.*trial`),
		rule("charged_on", `charged.*\$\d+.*\bon\b`),
		rule("cancel_anytime", `cancel.*anytime`),
		rule("no_charge_trial", `no.*charge.*trial`),
	}
}

const (
	numericDate = `(\d{1,2}/\d{1,2}/\d{2,4})`
	namedDate   = `\b((?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4})`
)

// dateRules lists numeric formats before month-name formats.
func dateRules() List {
	return List{
		rule("trial_ends_numeric", `trial[^\n]*?\bends?\b[^\n]*?`+numericDate),
		rule("expires_numeric", `\bexpires?\b[^\n]*?`+numericDate),
		rule("numeric_trial_ends", numericDate+`[^\n]*?trial[^\n]*?\bends?\b`),
		rule("cancel_before_numeric", `cancel[^\n]*?\bbefore\b[^\n]*?`+numericDate),
		rule("billing_starts_numeric", `billing[^\n]*?\bstarts?\b[^\n]*?`+numericDate),
		rule("trial_ends_named", `trial[^\n]*?\bends?\b[^\n]*?`+namedDate),
		rule("expires_named", `\bexpires?\b[^\n]*?`+namedDate),
		rule("named_trial_ends", namedDate+`[^\n]*?trial[^\n]*?\bends?\b`),
		rule("cancel_before_named", `cancel[^\n]*?\bbefore\b[^\n]*?`+namedDate),
		rule("billing_starts_named", `billing[^\n]*?\bstarts?\b[^\n]*?`+namedDate),
	}
}

func cancelURLRules() List {
	return List{
		rule("cancel_subscription", `href=["']([^"']*cancel[^"']*subscription[^"']*)["']`),
		rule("unsubscribe", `href=["']([^"']*unsubscribe[^"']*)["']`),
		rule("manage_subscription", `href=["']([^"']*manage[^"']*subscription[^"']*)["']`),
		rule("account_settings", `href=["']([^"']*account[^"']*settings[^"']*)["']`),
		rule("billing", `href=["']([^"']*billing[^"']*)["']`),
	}
}

func amountRules() List {
	return List{
		rule("dollars_monthly", `\$(\d+(?:\.\d+)?)\s*(?:per\s+month|/\s*month|/mo\b|monthly)`),
		rule("usd_monthly", `(\d+(?:\.\d+)?)\s*USD\s*(?:per\s+month|/\s*month|monthly)`),
		rule("dollars_after_trial", `\$(\d+(?:\.\d+)?)[^\n]*?\bafter\b[^\n]*?trial`),
		rule("charged_dollars", `charged\s*\$(\d+(?:\.\d+)?)`),
	}
}
