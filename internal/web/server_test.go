package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trial-sentinel/sentinel/internal/config"
	"github.com/trial-sentinel/sentinel/internal/history"
	"github.com/trial-sentinel/sentinel/internal/inbox"
	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/scan"
)

var now = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

const netflixMessage = "From: Netflix <info@mailer.netflix.com>\r\n" +
	"To: sam@example.com\r\n" +
	"Subject: Your free trial has started\r\n" +
	"Message-Id: <abc@netflix.com>\r\n" +
	"Date: Fri, 20 Dec 2024 09:30:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Remember to cancel before Jan 5, 2025 to avoid being charged.\r\n"

func newTestServer(t *testing.T, limit int) *Server {
	t.Helper()
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{User: config.User{ID: "u1", Email: "sam@example.com"}}
	cfg.ApplyDefaults()

	return &Server{
		config:      cfg,
		pipeline:    scan.New(pattern.Default(), store, "u1", cfg.Scan),
		store:       store,
		rateLimiter: NewRateLimiter(limit, time.Minute),
		jobs:        NewJobManager(),
		now:         func() time.Time { return now },
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

type trialsResponse struct {
	Trials []struct {
		ID          string `json:"id"`
		ServiceName string `json:"service_name"`
		Status      string `json:"status"`
		Badge       struct {
			Text  string `json:"text"`
			Color string `json:"color"`
		} `json:"badge"`
	} `json:"trials"`
}

func TestScanEmailAndTrialLifecycle(t *testing.T) {
	h := newTestServer(t, 100).routes()

	rec := do(t, h, http.MethodPost, "/scan/email", netflixMessage)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rep scan.Report
	decode(t, rec, &rep)
	assert.Equal(t, 1, rep.Saved)

	rec = do(t, h, http.MethodGet, "/trials", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list trialsResponse
	decode(t, rec, &list)
	require.Len(t, list.Trials, 1)
	assert.Equal(t, "Netflix", list.Trials[0].ServiceName)
	assert.Equal(t, "green", list.Trials[0].Badge.Color)
	id := list.Trials[0].ID

	rec = do(t, h, http.MethodGet, "/trials/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Score struct {
			Overall        float64  `json:"overall"`
			Reasoning      []string `json:"reasoning"`
			Recommendation string   `json:"recommendation"`
		} `json:"score"`
		Show bool `json:"show"`
	}
	decode(t, rec, &detail)
	assert.Equal(t, "high", detail.Score.Recommendation)
	assert.Contains(t, detail.Score.Reasoning, "Strong: Email confirmation detected")
	assert.True(t, detail.Show)

	rec = do(t, h, http.MethodPost, "/trials/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/trials", "")
	decode(t, rec, &list)
	assert.Empty(t, list.Trials)

	rec = do(t, h, http.MethodGet, "/trials?all=true", "")
	list = trialsResponse{}
	decode(t, rec, &list)
	require.Len(t, list.Trials, 1)
	assert.Equal(t, "cancelled", list.Trials[0].Status)
}

func TestScanTransactionsAndDuplicates(t *testing.T) {
	h := newTestServer(t, 100).routes()

	rec := do(t, h, http.MethodPost, "/scan/email", netflixMessage)
	require.Equal(t, http.StatusOK, rec.Code)

	body := `[{"transaction_id":"t1","name":"NETFLIX.COM","amount":"15.49","date":"2024-12-08"},
		{"transaction_id":"t2","name":"GROCERY","amount":"42.10","date":"2024-12-09"}]`
	rec = do(t, h, http.MethodPost, "/scan/transactions", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rep scan.Report
	decode(t, rec, &rep)
	assert.Equal(t, 2, rep.Examined)
	assert.Equal(t, 1, rep.Saved)

	rec = do(t, h, http.MethodGet, "/duplicates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dups struct {
		Count      int `json:"count"`
		Duplicates []struct {
			Reason string `json:"reason"`
		} `json:"duplicates"`
	}
	decode(t, rec, &dups)
	require.Equal(t, 1, dups.Count)
	assert.Equal(t, "Same service (Netflix) with similar end dates (2.0 days apart)", dups.Duplicates[0].Reason)

	rec = do(t, h, http.MethodPost, "/scan/transactions", `{"not":"an array"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotFoundAndValidation(t *testing.T) {
	h := newTestServer(t, 100).routes()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/trials/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/trials/missing/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/jobs/missing", "").Code)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/scan/inbox", "").Code)
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, 1).routes()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/trials/a/cancel", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/trials/a/cancel", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/trials", "").Code, "reads are not limited")
}

func TestStats(t *testing.T) {
	h := newTestServer(t, 100).routes()
	do(t, h, http.MethodPost, "/scan/email", netflixMessage)

	rec := do(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Trials map[string]int `json:"trials"`
	}
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.Trials["active"])
}

func TestProcessEmailsJob(t *testing.T) {
	s := newTestServer(t, 100)

	e, err := inbox.ParseMessage(strings.NewReader(netflixMessage))
	require.NoError(t, err)
	other := inbox.Email{MessageID: "<x>", Subject: "Your order has shipped", Body: "On its way."}

	job := s.jobs.Create()
	s.processEmails(context.Background(), job, []inbox.Email{*e, other})

	v := job.View()
	assert.Equal(t, JobStatusCompleted, v.Status)
	assert.Equal(t, 2, v.Total)
	assert.Equal(t, 2, v.Examined)
	assert.Equal(t, 1, v.Found)
	assert.Equal(t, 1, v.Saved)
	assert.Equal(t, 100, v.Progress)
	require.NotNil(t, v.CompletedAt)

	rec := do(t, s.routes(), http.MethodGet, "/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, s.jobs.GetActive())
}

func TestCancelledJobStops(t *testing.T) {
	s := newTestServer(t, 100)

	job := s.jobs.Create()
	assert.Equal(t, job, s.jobs.GetActive())

	rec := do(t, s.routes(), http.MethodPost, "/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	s.processEmails(job.Context(), job, []inbox.Email{{Subject: "free trial"}})
	v := job.View()
	assert.Equal(t, JobStatusCancelled, v.Status)
	assert.Equal(t, 0, v.Examined)
	assert.Error(t, job.Context().Err())

	s.jobs.Cleanup(-time.Second)
	assert.Nil(t, s.jobs.Get(job.ID))
}

func TestCSRFProtectsMutations(t *testing.T) {
	s := newTestServer(t, 100)
	s.csrfKey = make([]byte, 32)
	h := s.setupRouter()

	rec := do(t, h, http.MethodGet, "/api/csrf", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tok map[string]string
	decode(t, rec, &tok)
	assert.NotEmpty(t, tok["token"])
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = do(t, h, http.MethodPost, "/api/scan/email", netflixMessage)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
