package confidence

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

var now = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newScorer() *Scorer { return NewScorer(pattern.Default()) }

func email(service string, conf float64, end time.Time) trial.Candidate {
	return trial.NewEmail(service, trial.EmailEvidence{}, trial.EmailFields{TrialEnd: end, Confidence: conf})
}

func financial(service string, conf float64, end time.Time) trial.Candidate {
	return trial.NewFinancial(pattern.Service{Name: service}, trial.FinancialEvidence{}, end, conf)
}

func TestScoreSingleEmailWithCancelURL(t *testing.T) {
	c := trial.NewEmail("Netflix", trial.EmailEvidence{}, trial.EmailFields{
		TrialEnd:   now.AddDate(0, 0, 4),
		CancelURL:  "https://netflix.com/cancel-subscription",
		Confidence: 1.0,
	})

	s := newScorer().ScoreSingle(c, now)
	assert.Equal(t, 1.0, s.Overall)
	assert.Equal(t, High, s.Recommendation)
	assert.Equal(t, []string{
		"Base detection confidence: 100%",
		"Strong: Email confirmation detected",
		"Cancel URL available (+10%)",
		"Known reliable service (+10%)",
	}, s.Reasoning)
	assert.Equal(t, Factors{
		HasEmailSource:  true,
		HasCancelURL:    true,
		HasKnownService: true,
		HasRecentDate:   true,
		EmailConfidence: 1.0,
	}, s.Factors)
}

func TestScoreSingleRecencyPenalty(t *testing.T) {
	sc := newScorer()
	fresh := sc.ScoreSingle(email("Figma", 0.6, now), now)
	stale := sc.ScoreSingle(email("Figma", 0.6, now.AddDate(0, -7, 0)), now)

	assert.Equal(t, 0.8, fresh.Overall)
	assert.Equal(t, 0.6, stale.Overall)
	assert.Equal(t, "Trial date seems outdated (-20%)", stale.Reasoning[len(stale.Reasoning)-1])
}

func TestScoreSingleRecencyBounds(t *testing.T) {
	assert.True(t, IsRecent(now.AddDate(0, -6, 0), now))
	assert.False(t, IsRecent(now.AddDate(0, -6, -1), now))
	assert.True(t, IsRecent(now.AddDate(1, 0, 0), now))
	assert.False(t, IsRecent(now.AddDate(1, 0, 1), now))
	assert.False(t, IsRecent(time.Time{}, now))
}

func TestScoreSingleFloors(t *testing.T) {
	tests := []struct {
		name      string
		c         trial.Candidate
		want      float64
		reasoning []string
	}{
		{
			name: "financial floor",
			c:    financial("Figma", 0.3, now.AddDate(0, 0, 10)),
			want: 0.6,
			reasoning: []string{
				"Base detection confidence: 30%",
				"Moderate: Financial transaction detected",
			},
		},
		{
			name: "manual without date",
			c:    trial.NewManual("Figma", trial.ManualFields{}),
			want: 0.7,
			reasoning: []string{
				"High: Manually verified by user",
				"Trial date seems outdated (-20%)",
			},
		},
		{
			name: "amount boost",
			c: trial.NewEmail("Figma", trial.EmailEvidence{}, trial.EmailFields{
				TrialEnd:   now,
				Amount:     decimal.NewNullDecimal(decimal.RequireFromString("12")),
				Confidence: 0.6,
			}),
			want: 0.85,
			reasoning: []string{
				"Base detection confidence: 60%",
				"Strong: Email confirmation detected",
				"Subscription amount identified (+5%)",
			},
		},
		{
			name:      "no source clamps to minimum",
			c:         trial.Candidate{ServiceName: "Figma"},
			want:      0.1,
			reasoning: []string{"Trial date seems outdated (-20%)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScorer().ScoreSingle(tt.c, now)
			assert.Equal(t, tt.want, s.Overall)
			assert.Equal(t, tt.reasoning, s.Reasoning)
		})
	}
}

func TestScoreSingleDeterministic(t *testing.T) {
	c := email("Spotify", 0.9, now.AddDate(0, 0, 30))
	sc := newScorer()
	assert.Equal(t, sc.ScoreSingle(c, now), sc.ScoreSingle(c, now))
}

func TestScoreAlwaysInRange(t *testing.T) {
	sc := newScorer()
	ends := []time.Time{{}, now, now.AddDate(-2, 0, 0)}
	services := []string{"Netflix", "Figma", trial.UnknownService}
	confs := []float64{0, 0.3, 0.6, 1}

	for _, end := range ends {
		for _, svc := range services {
			for _, conf := range confs {
				candidates := []trial.Candidate{
					email(svc, conf, end),
					financial(svc, conf, end),
					trial.NewManual(svc, trial.ManualFields{TrialEnd: end, CancelURL: "https://x.test/billing"}),
				}
				for _, c := range candidates {
					v := sc.ScoreSingle(c, now).Overall
					assert.GreaterOrEqual(t, v, 0.1)
					assert.LessOrEqual(t, v, 1.0)
				}
				e, f := email(svc, conf, end), financial(svc, conf, end)
				for _, pair := range [][2]*trial.Candidate{{&e, &f}, {&e, nil}, {nil, &f}, {nil, nil}} {
					v := sc.CombineSources(pair[0], pair[1], now).Confidence
					assert.GreaterOrEqual(t, v, 0.1)
					assert.LessOrEqual(t, v, 1.0)
				}
			}
		}
	}
}

func TestCombineSources(t *testing.T) {
	recent := now.AddDate(0, 0, 5)
	stale := now.AddDate(0, -8, 0)

	tests := []struct {
		name       string
		email      *trial.Candidate
		financial  *trial.Candidate
		want       float64
		known      bool
		recentDate bool
	}{
		{
			name:       "both present",
			email:      ptr(email("Figma", 0.6, recent)),
			financial:  ptr(financial("Figma", 0.6, recent)),
			want:       1.0,
			recentDate: true,
		},
		{
			name:      "both present stale",
			email:     ptr(email("Figma", 0.6, time.Time{})),
			financial: ptr(financial("Figma", 0.6, stale)),
			want:      0.8,
		},
		{
			name:       "email only without confidence",
			email:      ptr(email("Figma", 0, recent)),
			want:       0.8,
			recentDate: true,
		},
		{
			name:       "financial only",
			financial:  ptr(financial("Figma", 0.7, recent)),
			want:       0.7,
			recentDate: true,
		},
		{
			name: "neither",
			want: 0.1,
		},
		{
			name:       "known service from either side",
			email:      ptr(email(trial.UnknownService, 0.6, stale)),
			financial:  ptr(financial("Netflix", 0.8, recent)),
			want:       0.8,
			known:      true,
			recentDate: false,
		},
		{
			name:       "email date absent falls back to financial",
			email:      ptr(email("Figma", 0.6, time.Time{})),
			financial:  ptr(financial("Figma", 0.6, recent)),
			want:       1.0,
			recentDate: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newScorer().CombineSources(tt.email, tt.financial, now)
			assert.Equal(t, tt.want, got.Confidence)
			assert.Equal(t, tt.known, got.Factors.HasKnownService)
			assert.Equal(t, tt.recentDate, got.Factors.HasRecentDate)
			assert.Equal(t, tt.email != nil, got.Factors.HasEmailSource)
			assert.Equal(t, tt.financial != nil, got.Factors.HasFinancialSource)
		})
	}
}

func TestCombineSourcesReasoning(t *testing.T) {
	e := trial.NewEmail("Netflix", trial.EmailEvidence{}, trial.EmailFields{
		TrialEnd:  now.AddDate(0, 0, 3),
		CancelURL: "https://netflix.com/cancel-subscription",
	})
	f := financial("Netflix", 1.0, now.AddDate(0, 0, 30))

	got := newScorer().CombineSources(&e, &f, now)
	require.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, []string{
		"Perfect match: Both email and financial confirmation found",
		"Cancel URL available (+10%)",
		"Known reliable service (+10%)",
	}, got.Reasoning)
}

func TestShouldShowToUser(t *testing.T) {
	sc := newScorer()

	low := financial("Figma", 0.3, time.Time{})
	assert.False(t, sc.ShouldShowToUser(low, now))

	withLink := low
	withLink.CancelURL = "https://figma.com/billing"
	assert.True(t, sc.ShouldShowToUser(withLink, now))

	assert.True(t, sc.ShouldShowToUser(trial.NewManual("Figma", trial.ManualFields{}), now))
	assert.True(t, sc.ShouldShowToUser(financial("Figma", 0.3, now.AddDate(0, 0, 7)), now))
}

func TestDisplayHelpers(t *testing.T) {
	assert.Equal(t, "green", Color(0.85))
	assert.Equal(t, "yellow", Color(0.5))
	assert.Equal(t, "red", Color(0.49))

	assert.Equal(t, Badge{Text: "High Confidence", Color: "green"}, BadgeFor(0.8))
	assert.Equal(t, Badge{Text: "Medium Confidence", Color: "yellow"}, BadgeFor(0.79))
	assert.Equal(t, Badge{Text: "Low Confidence", Color: "red"}, BadgeFor(0.1))
}

func ptr(c trial.Candidate) *trial.Candidate { return &c }
