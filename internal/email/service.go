// Package email sends operator alerts via SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"chronicle/collab/internal/collab"

	"github.com/golang/glog"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends an HTML email with a plain text alternative.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-collab"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type FlushFailureData struct {
	AppName    string
	DocumentID string
	Failures   int
	DirtySince string
	Unsaved    string
	Error      string
}

// Alerter mails operators when a document keeps failing to persist.
type Alerter struct {
	service *Service
	to      []string
	now     func() time.Time
}

func NewAlerter(service *Service, to string) *Alerter {
	recipients := make([]string, 0)
	for _, item := range strings.Split(to, ",") {
		if item = strings.TrimSpace(item); item != "" {
			recipients = append(recipients, item)
		}
	}
	return &Alerter{service: service, to: recipients, now: time.Now}
}

func (a *Alerter) Enabled() bool {
	return a.service.IsConfigured() && len(a.to) > 0
}

// FlushFailing sends one alert per failure streak.
func (a *Alerter) FlushFailing(_ context.Context, event collab.FailureEvent) {
	if !a.Enabled() {
		return
	}
	subject, text, html, err := a.render(event)
	if err != nil {
		glog.Errorf("email: render flush alert document=%s: %v", event.DocumentID, err)
		return
	}
	if err := a.service.SendHTMLEmail(a.to, subject, text, html); err != nil {
		glog.Errorf("email: send flush alert document=%s: %v", event.DocumentID, err)
		return
	}
	glog.Infof("email: flush alert sent document=%s failures=%d", event.DocumentID, event.Failures)
}

func (a *Alerter) render(event collab.FailureEvent) (subject, text, html string, err error) {
	data := FlushFailureData{
		AppName:    "Collab",
		DocumentID: event.DocumentID,
		Failures:   event.Failures,
		DirtySince: event.DirtySince.UTC().Format(time.RFC3339),
		Unsaved:    a.now().Sub(event.DirtySince).Round(time.Second).String(),
	}
	if event.Err != nil {
		data.Error = event.Err.Error()
	}
	if event.DirtySince.IsZero() {
		data.DirtySince = "unknown"
		data.Unsaved = "unknown"
	}

	subject = fmt.Sprintf("[%s] Document %s is not being saved", data.AppName, data.DocumentID)
	text = fmt.Sprintf("Document %s failed to persist %d times in a row. Unsaved edits since %s (%s). Last error: %s",
		data.DocumentID, data.Failures, data.DirtySince, data.Unsaved, data.Error)
	html, err = renderTemplate(flushFailureEmailTemplate, data)
	if err != nil {
		return "", "", "", fmt.Errorf("render flush failure template: %w", err)
	}
	return subject, text, html, nil
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const flushFailureEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}: document not saved</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #cc3300; padding-bottom: 10px; margin-bottom: 20px; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        code { word-break: break-all; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Document <code>{{.DocumentID}}</code> is not being saved</h2>

    <p>The last {{.Failures}} flush cycles failed. Edits made since {{.DirtySince}} ({{.Unsaved}} ago) exist only in memory.</p>

    <div class="warning">
        <strong>Last error:</strong> <code>{{.Error}}</code>
    </div>

    <div class="footer">
        <p>Flushes keep retrying. You will get another alert if the document recovers and starts failing again.</p>
    </div>
</body>
</html>`
