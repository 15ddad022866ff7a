package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

var now = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func emailCandidate(msgID string) trial.Candidate {
	return trial.NewEmail("Netflix", trial.EmailEvidence{
		Subject:   "Your free trial",
		From:      "info@netflix.com",
		Date:      now,
		MessageID: msgID,
		Body:      "cancel before Jan 5, 2025",
	}, trial.EmailFields{
		TrialEnd:   time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
		CancelURL:  "https://netflix.com/cancel-subscription",
		Amount:     decimal.NewNullDecimal(decimal.RequireFromString("15.49")),
		Confidence: 1,
	})
}

func financialCandidate(date time.Time) trial.Candidate {
	return trial.NewFinancial(pattern.Service{Key: "spotify", Name: "Spotify"}, trial.FinancialEvidence{
		TransactionID: "tx-1",
		MerchantName:  "SPOTIFY USA",
		Amount:        decimal.RequireFromString("0.99"),
		Date:          date,
		Categories:    []string{"Entertainment"},
	}, date.AddDate(0, 0, 30), 1)
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)

	rec, created, err := s.SaveCandidate("u1", emailCandidate("<m1>"), 1, now)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, rec.ID)

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "Netflix", got.ServiceName)
	assert.Equal(t, trial.SourceEmail, got.Source)
	assert.Equal(t, trial.StatusActive, got.Status)
	assert.Equal(t, "https://netflix.com/cancel-subscription", got.CancelURL)
	assert.Equal(t, "15.49", got.SubscriptionAmount.Decimal.String())
	assert.True(t, got.TrialEnd.Equal(time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)))
	assert.True(t, got.CreatedAt.Equal(now))
	assert.Equal(t, 1.0, got.Score)

	ev, ok := got.Evidence.(trial.EmailEvidence)
	require.True(t, ok)
	assert.Equal(t, "<m1>", ev.MessageID)
	assert.Equal(t, "cancel before Jan 5, 2025", ev.Body)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveAppliesDefaultHorizon(t *testing.T) {
	s := newTestStore(t)
	c := trial.NewEmail("", trial.EmailEvidence{MessageID: "<m2>"}, trial.EmailFields{Confidence: 0.6})

	rec, _, err := s.SaveCandidate("u1", c, 0.4, now)
	require.NoError(t, err)

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, trial.UnknownService, got.ServiceName)
	assert.True(t, got.TrialEnd.Equal(now.AddDate(0, 0, 7)))
	assert.False(t, got.SubscriptionAmount.Valid)
}

func TestSaveSkipsDuplicates(t *testing.T) {
	s := newTestStore(t)
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	first, created, err := s.SaveCandidate("u1", financialCandidate(day), 1, now)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.SaveCandidate("u1", financialCandidate(day), 1, now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, created, err = s.SaveCandidate("u2", financialCandidate(day), 1, now)
	require.NoError(t, err)
	assert.True(t, created, "other users are independent")

	_, created, err = s.SaveCandidate("u1", financialCandidate(day.AddDate(0, 1, 0)), 1, now)
	require.NoError(t, err)
	assert.True(t, created, "a later charge is a new trial")

	_, created, err = s.SaveCandidate("u1", emailCandidate("<m1>"), 1, now)
	require.NoError(t, err)
	require.True(t, created)
	_, created, err = s.SaveCandidate("u1", emailCandidate("<m1>"), 1, now)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestListAndStatus(t *testing.T) {
	s := newTestStore(t)

	late, _, err := s.SaveCandidate("u1", financialCandidate(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)), 1, now)
	require.NoError(t, err)
	early, _, err := s.SaveCandidate("u1", emailCandidate("<m1>"), 1, now)
	require.NoError(t, err)

	list, err := s.ListByUser("u1", false, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, early.ID, list[0].ID)
	assert.Equal(t, late.ID, list[1].ID)

	require.NoError(t, s.UpdateStatus(early.ID, trial.StatusCancelled, now))
	list, err = s.ListByUser("u1", false, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = s.ListByUser("u1", true, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	counts, err := s.CountByStatus("u1")
	require.NoError(t, err)
	assert.Equal(t, map[trial.Status]int{trial.StatusActive: 1, trial.StatusCancelled: 1}, counts)

	assert.ErrorIs(t, s.UpdateStatus("missing", trial.StatusCancelled, now), ErrNotFound)
}

func TestUpdateScore(t *testing.T) {
	s := newTestStore(t)
	rec, _, err := s.SaveCandidate("u1", emailCandidate("<m1>"), 1, now)
	require.NoError(t, err)

	later := now.Add(time.Hour)
	require.NoError(t, s.UpdateScore(rec.ID, 0.8, later))

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Score)
	assert.True(t, got.UpdatedAt.Equal(later))
}

func TestActiveEndingBetweenAndExpire(t *testing.T) {
	s := newTestStore(t)

	soon, _, err := s.SaveCandidate("u1", emailCandidate("<m1>"), 1, now) // ends Jan 5
	require.NoError(t, err)
	_, _, err = s.SaveCandidate("u1", financialCandidate(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)), 1, now) // ends Feb 9
	require.NoError(t, err)

	due, err := s.ActiveEndingBetween(now, now.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, soon.ID, due[0].ID)

	n, err := s.ExpireEnded("u1", time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(soon.ID)
	require.NoError(t, err)
	assert.Equal(t, trial.StatusExpired, got.Status)
}

func TestNotifications(t *testing.T) {
	s := newTestStore(t)

	last, err := s.LastNotification("t1")
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, s.AddNotification(&Notification{TrialID: "t1", UserID: "u1", Provider: "smtp", Status: StatusSent, SentAt: now}))
	require.NoError(t, s.AddNotification(&Notification{TrialID: "t1", UserID: "u1", Provider: "smtp", Status: StatusFailed, Error: "boom", SentAt: now.Add(time.Hour)}))

	last, err = s.LastNotification("t1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, StatusSent, last.Status)
	assert.True(t, last.SentAt.Equal(now))

	sent, failed, err := s.NotificationStats()
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
}
