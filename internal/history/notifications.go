package history

import (
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
)

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Notification is one reminder delivery attempt.
type Notification struct {
	ID        int64
	TrialID   string
	UserID    string
	Provider  string
	Status    Status
	MessageID string
	Error     string
	SentAt    time.Time
}

func (s *Store) AddNotification(n *Notification) error {
	result, err := s.db.Exec(`
	INSERT INTO notifications (trial_id, user_id, provider, status, message_id, error, sent_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.TrialID,
		n.UserID,
		n.Provider,
		string(n.Status),
		nullString(n.MessageID),
		nullString(n.Error),
		formatTime(n.SentAt),
	)
	if err != nil {
		return eris.Wrap(err, "history: insert notification")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "history: last insert id")
	}
	n.ID = id
	return nil
}

// LastNotification returns the most recent successful reminder for a trial,
// or nil when none was sent.
func (s *Store) LastNotification(trialID string) (*Notification, error) {
	var (
		n                 Notification
		status, sentAt    string
		messageID, errStr sql.NullString
	)
	err := s.db.QueryRow(`
	SELECT id, trial_id, user_id, provider, status, message_id, error, sent_at
	FROM notifications WHERE trial_id = ? AND status = ?
	ORDER BY sent_at DESC LIMIT 1`, trialID, string(StatusSent)).
		Scan(&n.ID, &n.TrialID, &n.UserID, &n.Provider, &status, &messageID, &errStr, &sentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "history: query notification")
	}

	n.Status = Status(status)
	n.MessageID = messageID.String
	n.Error = errStr.String
	n.SentAt = parseTime(sentAt)
	return &n, nil
}

// NotificationStats counts delivery attempts by status.
func (s *Store) NotificationStats() (sent, failed int, err error) {
	var sentNull, failedNull sql.NullInt64
	err = s.db.QueryRow(`SELECT SUM(CASE WHEN status='sent' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END) FROM notifications`).Scan(&sentNull, &failedNull)
	if err != nil {
		return 0, 0, eris.Wrap(err, "history: notification stats")
	}
	return int(sentNull.Int64), int(failedNull.Int64), nil
}
