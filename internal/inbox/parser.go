package inbox

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/rotisserie/eris"
)

// Email is a fetched or imported message, already decoded.
type Email struct {
	UID        uint32 // IMAP UID, zero for imported files
	MessageID  string
	From       string
	FromName   string
	Subject    string
	Body       string
	HTMLBody   string
	ReceivedAt time.Time
}

// Sender returns the From header as it would be displayed.
func (e *Email) Sender() string {
	if e.FromName == "" {
		return e.From
	}
	return fmt.Sprintf("%s <%s>", e.FromName, e.From)
}

// Text returns the plain-text body, falling back to the text content of the
// HTML body.
func (e *Email) Text() string {
	if strings.TrimSpace(e.Body) != "" {
		return e.Body
	}
	if e.HTMLBody == "" {
		return ""
	}
	return htmlText(e.HTMLBody)
}

// htmlText extracts the visible text of an HTML document.
func htmlText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return stripTags.ReplaceAllString(html, " ")
	}
	doc.Find("script, style, head").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// ParseMessage decodes a raw RFC 822 message.
func ParseMessage(r io.Reader) (*Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, eris.Wrap(err, "inbox: read message header")
	}
	defer mr.Close()

	e := &Email{}
	h := mr.Header
	e.Subject, _ = h.Subject()
	e.MessageID, _ = h.MessageID()
	e.ReceivedAt, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		e.From = from[0].Address
		e.FromName = from[0].Name
	}

	readParts(mr, e)
	return e, nil
}

// readParts fills the first text/plain and text/html inline parts. Broken
// parts end the walk without failing the message.
func readParts(mr *mail.Reader, e *Email) {
	for {
		p, err := mr.NextPart()
		if err != nil {
			return
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(ct, "text/plain") && e.Body == "":
			e.Body = string(body)
		case strings.HasPrefix(ct, "text/html") && e.HTMLBody == "":
			e.HTMLBody = string(body)
		}
	}
}
