package notify

import (
	"context"
	"net/mail"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/trial-sentinel/sentinel/internal/config"
)

// Message is a rendered reminder addressed to one recipient.
type Message struct {
	To      string
	From    string
	Subject string
	Text    string
	HTML    string
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

// Sender delivers reminders through one provider.
type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

func NewSender(cfg config.NotifyConfig) (Sender, error) {
	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg.SMTP), nil
	case "resend":
		return NewResendSender(cfg.ResendAPIKey), nil
	case "sendgrid":
		return NewSendGridSender(cfg.SendGridAPIKey), nil
	}
	return nil, eris.Errorf("notify: unknown provider %q", cfg.Provider)
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return eris.New("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return eris.Wrap(err, "invalid email format")
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return eris.Wrap(err, "invalid sender")
	}
	if err := ValidateEmail(msg.To); err != nil {
		return eris.Wrap(err, "invalid recipient")
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return eris.New("subject contains invalid characters")
	}
	return nil
}
