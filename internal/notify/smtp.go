package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"

	"github.com/trial-sentinel/sentinel/internal/config"
)

type SMTPSender struct {
	config config.SMTPConfig
}

func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{config: cfg}
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Success: false, Error: err}
	}

	body, messageID, err := buildMessage(msg, time.Now())
	if err != nil {
		return Result{Success: false, Error: err}
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)

	if s.config.UseTLS {
		err = s.sendWithTLS(addr, auth, msg.From, msg.To, body)
	} else {
		if s.config.Username != "" {
			return Result{Success: false, Error: eris.New("SMTP auth requires TLS")}
		}
		err = smtp.SendMail(addr, nil, msg.From, []string{msg.To}, body)
	}
	if err != nil {
		return Result{Success: false, Error: sanitizeSMTPError(err)}
	}

	return Result{Success: true, MessageID: messageID}
}

// buildMessage encodes msg as multipart/alternative with a plain text and an
// HTML part.
func buildMessage(msg Message, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", eris.Wrap(err, "message id")
	}
	messageID, _ := h.MessageID()

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", eris.Wrap(err, "create message")
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", eris.Wrap(err, "create inline")
	}

	parts := []struct{ contentType, body string }{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		w, err := tw.CreatePart(ph)
		if err != nil {
			return nil, "", eris.Wrapf(err, "create %s part", p.contentType)
		}
		if _, err := io.WriteString(w, p.body); err != nil {
			return nil, "", eris.Wrapf(err, "write %s part", p.contentType)
		}
		if err := w.Close(); err != nil {
			return nil, "", eris.Wrapf(err, "close %s part", p.contentType)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", eris.Wrap(err, "close inline")
	}
	if err := mw.Close(); err != nil {
		return nil, "", eris.Wrap(err, "close message")
	}
	return buf.Bytes(), messageID, nil
}

func sanitizeSMTPError(err error) error {
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "auth") {
		return eris.New("SMTP authentication failed")
	}
	if strings.Contains(s, "certificate") {
		return eris.New("TLS certificate error")
	}
	return eris.New("SMTP error: check your configuration")
}

func (s *SMTPSender) sendWithTLS(addr string, auth smtp.Auth, from, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return eris.Wrap(err, "TLS connection failed")
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return eris.Wrap(err, "SMTP client creation failed")
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return eris.Wrap(err, "authentication failed")
	}
	if err := client.Mail(from); err != nil {
		return eris.Wrap(err, "sender rejected")
	}
	if err := client.Rcpt(to); err != nil {
		return eris.Wrap(err, "recipient rejected")
	}

	w, err := client.Data()
	if err != nil {
		return eris.Wrap(err, "data command failed")
	}
	if _, err = w.Write(msg); err != nil {
		return eris.Wrap(err, "message write failed")
	}
	if err := w.Close(); err != nil {
		return eris.Wrap(err, "message finalization failed")
	}
	return client.Quit()
}
