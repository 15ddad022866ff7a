package template

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"math"
	"text/template"
	"time"

	"github.com/rotisserie/eris"

	"github.com/trial-sentinel/sentinel/internal/confidence"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// ReminderData contains all data available to reminder templates
type ReminderData struct {
	UserName    string
	ServiceName string
	EndDate     string
	DaysLeft    int
	DayWord     string
	Amount      string
	CancelURL   string
	Badge       string
}

// Email represents a rendered reminder ready to send
type Email struct {
	Subject string
	Text    string
	HTML    string
}

// Engine handles reminder rendering
type Engine struct {
	text *template.Template
	html *htmltemplate.Template
}

// NewEngine parses the embedded reminder templates
func NewEngine() (*Engine, error) {
	text, err := template.ParseFS(embeddedTemplates, "templates/reminder.txt.tmpl")
	if err != nil {
		return nil, eris.Wrap(err, "template: parse text reminder")
	}
	html, err := htmltemplate.ParseFS(embeddedTemplates, "templates/reminder.html.tmpl")
	if err != nil {
		return nil, eris.Wrap(err, "template: parse html reminder")
	}
	return &Engine{text: text, html: html}, nil
}

// DaysLeft is the number of started days until end, never negative.
func DaysLeft(end, now time.Time) int {
	d := math.Ceil(end.Sub(now).Hours() / 24)
	if d < 0 {
		return 0
	}
	return int(d)
}

// Render builds the reminder for a stored trial.
func (e *Engine) Render(r trial.Record, userName string, now time.Time) (*Email, error) {
	days := DaysLeft(r.TrialEnd, now)
	data := ReminderData{
		UserName:    userName,
		ServiceName: r.ServiceName,
		EndDate:     r.TrialEnd.Format("January 2, 2006"),
		DaysLeft:    days,
		DayWord:     dayWord(days),
		CancelURL:   r.CancelURL,
		Badge:       confidence.BadgeFor(r.Score).Text,
	}
	if r.SubscriptionAmount.Valid {
		data.Amount = r.SubscriptionAmount.Decimal.StringFixed(2)
	}

	var text, html bytes.Buffer
	if err := e.text.Execute(&text, data); err != nil {
		return nil, eris.Wrap(err, "template: render text reminder")
	}
	if err := e.html.Execute(&html, data); err != nil {
		return nil, eris.Wrap(err, "template: render html reminder")
	}

	return &Email{
		Subject: fmt.Sprintf("⚠️ Your %s trial ends in %d %s", r.ServiceName, days, dayWord(days)),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

func dayWord(n int) string {
	if n == 1 {
		return "day"
	}
	return "days"
}
