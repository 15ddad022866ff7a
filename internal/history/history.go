package history

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/trial-sentinel/sentinel/internal/trial"
)

// Times are stored as fixed-width UTC text so that range queries can compare
// them as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned by updates that match no row.
var ErrNotFound = eris.New("history: not found")

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "history.db"
	}
	return filepath.Join(home, ".sentinel", "history.db")
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, eris.Wrap(err, "history: create directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, eris.Wrap(err, "history: open database")
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS trials (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		service_name TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		trial_start TEXT,
		trial_end TEXT,
		cancel_url TEXT,
		subscription_amount TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		message_id TEXT,
		evidence TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trials_user ON trials(user_id);
	CREATE INDEX IF NOT EXISTS idx_trials_status_end ON trials(status, trial_end);
	CREATE INDEX IF NOT EXISTS idx_trials_message ON trials(message_id);

	-- Reminder delivery log
	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trial_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		message_id TEXT,
		error TEXT,
		sent_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_trial ON notifications(trial_id, sent_at);
	`

	if _, err := s.db.Exec(query); err != nil {
		return eris.Wrap(err, "history: migrate")
	}
	return nil
}

const trialColumns = `id, user_id, service_name, source, status, trial_start, trial_end,
	cancel_url, subscription_amount, confidence, score, evidence, created_at, updated_at`

// SaveCandidate persists a scored candidate for a user and assigns it an ID.
// Candidates already stored are not inserted again: email candidates match on
// message ID, financial ones on service and trial start date. The second
// return value is false when an existing record was returned instead.
func (s *Store) SaveCandidate(userID string, c trial.Candidate, score float64, now time.Time) (*trial.Record, bool, error) {
	existing, err := s.findExisting(userID, c)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	rec := trial.NewRecord(userID, c, now)
	rec.ID = uuid.NewString()
	rec.Score = score

	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return nil, false, eris.Wrap(err, "history: encode evidence")
	}

	_, err = s.db.Exec(`
	INSERT INTO trials (`+trialColumns+`, message_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.UserID,
		rec.ServiceName,
		string(rec.Source),
		string(rec.Status),
		formatTime(rec.TrialStart),
		formatTime(rec.TrialEnd),
		nullString(rec.CancelURL),
		formatAmount(rec.SubscriptionAmount),
		rec.Confidence,
		rec.Score,
		string(evidence),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		nullString(messageID(c)),
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "history: insert trial")
	}
	return &rec, true, nil
}

func (s *Store) findExisting(userID string, c trial.Candidate) (*trial.Record, error) {
	switch ev := c.Evidence.(type) {
	case trial.EmailEvidence:
		if ev.MessageID == "" {
			return nil, nil
		}
		return s.queryOne(`SELECT `+trialColumns+` FROM trials
			WHERE user_id = ? AND source = ? AND message_id = ? LIMIT 1`,
			userID, string(trial.SourceEmail), ev.MessageID)
	case trial.FinancialEvidence:
		return s.queryOne(`SELECT `+trialColumns+` FROM trials
			WHERE user_id = ? AND source = ? AND service_name = ? AND trial_start IS ? LIMIT 1`,
			userID, string(trial.SourceFinancial), c.ServiceName, formatTime(c.TrialStart))
	}
	return nil, nil
}

func messageID(c trial.Candidate) string {
	if ev, ok := c.Evidence.(trial.EmailEvidence); ok {
		return ev.MessageID
	}
	return ""
}

// Get returns a trial by ID, or nil when it does not exist.
func (s *Store) Get(id string) (*trial.Record, error) {
	return s.queryOne(`SELECT `+trialColumns+` FROM trials WHERE id = ?`, id)
}

// ListByUser returns a user's trials ordered by end date. Cancelled and
// expired trials are included only when all is set. A non-positive limit
// returns every row.
func (s *Store) ListByUser(userID string, all bool, limit int) ([]trial.Record, error) {
	query := `SELECT ` + trialColumns + ` FROM trials WHERE user_id = ?`
	args := []any{userID}
	if !all {
		query += ` AND status = ?`
		args = append(args, string(trial.StatusActive))
	}
	query += ` ORDER BY trial_end ASC, created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryAll(query, args...)
}

// ActiveEndingBetween returns active trials of every user whose end date
// falls in [from, to].
func (s *Store) ActiveEndingBetween(from, to time.Time) ([]trial.Record, error) {
	return s.queryAll(`SELECT `+trialColumns+` FROM trials
		WHERE status = ? AND trial_end >= ? AND trial_end <= ?
		ORDER BY trial_end ASC`,
		string(trial.StatusActive), formatTime(from), formatTime(to))
}

// UpdateScore stores a recomputed score.
func (s *Store) UpdateScore(id string, score float64, now time.Time) error {
	return s.update(`UPDATE trials SET score = ?, updated_at = ? WHERE id = ?`, score, formatTime(now), id)
}

// UpdateStatus moves a trial to a new lifecycle status.
func (s *Store) UpdateStatus(id string, status trial.Status, now time.Time) error {
	return s.update(`UPDATE trials SET status = ?, updated_at = ? WHERE id = ?`, string(status), formatTime(now), id)
}

// ExpireEnded marks a user's active trials whose end date has passed as
// expired and returns how many changed.
func (s *Store) ExpireEnded(userID string, now time.Time) (int64, error) {
	result, err := s.db.Exec(`UPDATE trials SET status = ?, updated_at = ?
		WHERE user_id = ? AND status = ? AND trial_end < ?`,
		string(trial.StatusExpired), formatTime(now), userID, string(trial.StatusActive), formatTime(now))
	if err != nil {
		return 0, eris.Wrap(err, "history: expire trials")
	}
	return result.RowsAffected()
}

// CountByStatus returns how many trials a user has in each status.
func (s *Store) CountByStatus(userID string) (map[trial.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM trials WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "history: count trials")
	}
	defer rows.Close()

	counts := make(map[trial.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "history: scan count")
		}
		counts[trial.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) update(query string, args ...any) error {
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return eris.Wrap(err, "history: update trial")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "history: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryOne(query string, args ...any) (*trial.Record, error) {
	rec, err := scanTrial(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "history: query trial")
	}
	return rec, nil
}

func (s *Store) queryAll(query string, args ...any) ([]trial.Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "history: query trials")
	}
	defer rows.Close()

	var records []trial.Record
	for rows.Next() {
		rec, err := scanTrial(rows)
		if err != nil {
			return nil, eris.Wrap(err, "history: scan trial")
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// scanTrial handles nullable columns when scanning a row
func scanTrial(scanner interface{ Scan(...any) error }) (*trial.Record, error) {
	var (
		r                             trial.Record
		source, status                string
		start, end, cancelURL, amount sql.NullString
		evidence                      sql.NullString
		createdAt, updatedAt          string
	)

	err := scanner.Scan(&r.ID, &r.UserID, &r.ServiceName, &source, &status, &start, &end,
		&cancelURL, &amount, &r.Confidence, &r.Score, &evidence, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Source = trial.Source(source)
	r.Status = trial.Status(status)
	r.TrialStart = parseTime(start.String)
	r.TrialEnd = parseTime(end.String)
	r.CancelURL = cancelURL.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)

	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, eris.Wrapf(err, "trial %s: amount", r.ID)
		}
		r.SubscriptionAmount = decimal.NewNullDecimal(d)
	}

	ev, err := decodeEvidence(r.Source, evidence.String)
	if err != nil {
		return nil, eris.Wrapf(err, "trial %s: evidence", r.ID)
	}
	r.Evidence = ev
	return &r, nil
}

func decodeEvidence(src trial.Source, data string) (trial.Evidence, error) {
	var ev trial.Evidence
	switch src {
	case trial.SourceEmail:
		var e trial.EmailEvidence
		if data != "" {
			if err := json.Unmarshal([]byte(data), &e); err != nil {
				return nil, err
			}
		}
		ev = e
	case trial.SourceFinancial:
		var f trial.FinancialEvidence
		if data != "" {
			if err := json.Unmarshal([]byte(data), &f); err != nil {
				return nil, err
			}
		}
		ev = f
	case trial.SourceManual:
		var m trial.ManualEvidence
		if data != "" {
			if err := json.Unmarshal([]byte(data), &m); err != nil {
				return nil, err
			}
		}
		ev = m
	default:
		return nil, eris.Errorf("unknown source %q", src)
	}
	return ev, nil
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatAmount(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
