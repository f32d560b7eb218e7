// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
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

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		s.fromHeader(),
		headerSafe(subject),
		body,
	))

	return s.send(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email with a plain text alternative.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	boundary := "boundary-signoff"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", headerSafe(subject))
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

// headerSafe keeps user-supplied text from injecting extra headers.
func headerSafe(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

// ReviewNotification describes a review decision applied in the portal.
type ReviewNotification struct {
	PortalName string
	TeamName   string
	Identifier string
	Title      string
	URL        string
	Action     string
	ActorName  string
	FromState  string
	ToState    string
	Children   []string
	Feedback   string
}

func (n ReviewNotification) verb() string {
	switch n.Action {
	case "approve":
		return "approved"
	case "partial_approve":
		return "partially approved"
	case "request_changes":
		return "changes requested"
	default:
		return n.Action
	}
}

// Subject is the notification's subject line.
func (n ReviewNotification) Subject() string {
	portal := n.PortalName
	if portal == "" {
		portal = "Signoff"
	}
	subject := fmt.Sprintf("[%s] %s %s", portal, n.Identifier, n.verb())
	if n.ActorName != "" {
		subject += " by " + n.ActorName
	}
	return subject
}

// SendReviewNotification emails a review decision to the given recipients.
func (s *Service) SendReviewNotification(to []string, n ReviewNotification) error {
	if len(to) == 0 {
		return nil
	}
	if n.PortalName == "" {
		n.PortalName = "Signoff"
	}
	html, err := renderTemplate(reviewEmailTemplate, n)
	if err != nil {
		return fmt.Errorf("render review template: %w", err)
	}
	return s.SendHTMLEmail(to, n.Subject(), reviewText(n), html)
}

func reviewText(n ReviewNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s\n", n.Identifier, n.verb(), n.Title)
	if n.FromState != "" || n.ToState != "" {
		fmt.Fprintf(&b, "State: %s -> %s\n", n.FromState, n.ToState)
	}
	if len(n.Children) > 0 {
		fmt.Fprintf(&b, "Sub-issues: %s\n", strings.Join(n.Children, ", "))
	}
	if n.Feedback != "" {
		fmt.Fprintf(&b, "\nFeedback:\n%s\n", n.Feedback)
	}
	if n.URL != "" {
		fmt.Fprintf(&b, "\n%s\n", n.URL)
	}
	return b.String()
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reviewEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Identifier}} review update</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .feedback { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; white-space: pre-wrap; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.PortalName}}</h1>
    </div>

    <h2>{{.Identifier}} {{.Title}}</h2>

    <p>{{if .ActorName}}{{.ActorName}}{{else}}A reviewer{{end}} submitted <strong>{{.Action}}</strong>{{if .TeamName}} for {{.TeamName}}{{end}}.</p>
    {{if or .FromState .ToState}}<p>State: {{.FromState}} &rarr; {{.ToState}}</p>{{end}}
    {{if .Children}}<p>Sub-issues:</p>
    <ul>{{range .Children}}<li>{{.}}</li>{{end}}</ul>{{end}}
    {{if .Feedback}}<div class="feedback">{{.Feedback}}</div>{{end}}
    {{if .URL}}<p><a href="{{.URL}}" class="button">Open in Linear</a></p>{{end}}

    <div class="footer">
        <p>You receive this because your address is on the {{.PortalName}} notification list.</p>
    </div>
</body>
</html>`
