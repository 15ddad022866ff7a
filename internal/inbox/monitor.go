package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trial-sentinel/sentinel/internal/config"
)

const fetchBatchSize = 50

// Monitor handles the IMAP connection used to fetch trial notices
type Monitor struct {
	config config.InboxConfig
	client *client.Client
	log    *zap.Logger
}

// NewMonitor creates a new inbox monitor
func NewMonitor(cfg config.InboxConfig) *Monitor {
	return &Monitor{
		config: cfg,
		log:    zap.L().With(zap.String("component", "inbox"), zap.String("mailbox", cfg.Email)),
	}
}

// Connect establishes IMAP connection
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)
	m.log.Info("connecting to IMAP server", zap.String("addr", addr))

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return eris.Wrapf(err, "inbox: connect to %s", addr)
	}

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		c.Logout()
		return eris.Wrap(err, "inbox: login")
	}

	m.client = c
	m.log.Info("login successful")
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client != nil {
		return m.client.Logout()
	}
	return nil
}

// FetchRecentEmails fetches emails received in the last N days, in batches.
// Messages that fail to decode are logged and skipped.
func (m *Monitor) FetchRecentEmails(ctx context.Context, days int) ([]Email, error) {
	if m.client == nil {
		return nil, eris.New("inbox: not connected to IMAP server")
	}

	mbox, err := m.client.Select(m.config.Folder, true)
	if err != nil {
		return nil, eris.Wrapf(err, "inbox: select mailbox %s", m.config.Folder)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	since := time.Now().AddDate(0, 0, -days)
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, eris.Wrap(err, "inbox: search")
	}
	m.log.Info("found messages", zap.Int("count", len(uids)), zap.Time("since", since))

	var emails []Email
	for i := 0; i < len(uids); i += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return emails, err
		}
		end := min(i+fetchBatchSize, len(uids))
		batch, err := m.fetch(uids[i:end])
		if err != nil {
			m.log.Warn("batch fetch failed", zap.Error(err))
			continue
		}
		emails = append(emails, batch...)
	}
	return emails, nil
}

func (m *Monitor) fetch(uids []uint32) ([]Email, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, messages)
	}()

	var emails []Email
	for msg := range messages {
		if e := m.parseMessage(msg, section); e != nil {
			emails = append(emails, *e)
		}
	}
	if err := <-done; err != nil {
		return emails, eris.Wrap(err, "inbox: fetch messages")
	}
	return emails, nil
}

// parseMessage converts an IMAP message to an Email. The envelope is
// authoritative for headers; the body section supplies the parts.
func (m *Monitor) parseMessage(msg *imap.Message, section *imap.BodySectionName) *Email {
	if msg == nil || msg.Envelope == nil {
		return nil
	}

	e := &Email{
		UID:        msg.Uid,
		MessageID:  msg.Envelope.MessageId,
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.Envelope.Date,
	}
	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		e.From = strings.ToLower(from.Address())
		e.FromName = from.PersonalName
	}

	r := msg.GetBody(section)
	if r == nil {
		return e
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		m.log.Debug("body not decodable", zap.Uint32("uid", msg.Uid), zap.Error(err))
		return e
	}
	readParts(mr, e)
	return e
}

// WatchForNewEmails blocks on IMAP IDLE and hands each newly arrived message to
// callback until ctx is cancelled.
func (m *Monitor) WatchForNewEmails(ctx context.Context, callback func(Email)) error {
	if m.client == nil {
		return eris.New("inbox: not connected to IMAP server")
	}

	if _, err := m.client.Select(m.config.Folder, false); err != nil {
		return eris.Wrap(err, "inbox: select mailbox")
	}

	updates := make(chan client.Update, 16)
	m.client.Updates = updates
	changed := mailboxChanges(ctx, updates)

	stop := make(chan struct{})
	idleDone := make(chan error, 1)
	idle := func() {
		stop = make(chan struct{})
		go func(stop chan struct{}) {
			idleDone <- m.client.Idle(stop, nil)
		}(stop)
	}
	idle()

	seen := make(map[uint32]bool)
	m.log.Info("watching for new mail")

	for {
		select {
		case <-ctx.Done():
			close(stop)
			return ctx.Err()
		case <-changed:
			close(stop)
			if err := <-idleDone; err != nil {
				return eris.Wrap(err, "inbox: idle")
			}

			emails, err := m.FetchRecentEmails(ctx, 1)
			if err != nil {
				m.log.Warn("fetch after update failed", zap.Error(err))
			}
			for _, e := range emails {
				if seen[e.UID] {
					continue
				}
				seen[e.UID] = true
				callback(e)
			}
			idle()
		case err := <-idleDone:
			if err != nil {
				return eris.Wrap(err, "inbox: idle")
			}
			// Server ended IDLE on its own.
			idle()
		}
	}
}

// mailboxChanges keeps reading client updates so the IMAP client never blocks,
// and collapses mailbox updates into a single pending signal.
func mailboxChanges(ctx context.Context, updates <-chan client.Update) <-chan struct{} {
	changed := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				mu, isMailbox := u.(*client.MailboxUpdate)
				if !isMailbox {
					continue
				}
				if mu.Mailbox != nil {
					zap.L().Debug("mailbox update", zap.Uint32("messages", mu.Mailbox.Messages))
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		}
	}()
	return changed
}
