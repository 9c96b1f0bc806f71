package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/calyptra/drover/pkg/types"
)

// SMTPConfig points the email sender at a relay.
type SMTPConfig struct {
	Addr     string // host:port
	From     string
	Username string // optional, enables PLAIN auth with Password
	Password string
}

// sendMailFunc matches smtp.SendMail, swappable in tests.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers run summaries over SMTP.
type EmailSender struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
}

// NewEmailSender creates an SMTP sender.
func NewEmailSender(cfg SMTPConfig) *EmailSender {
	if cfg.From == "" {
		cfg.From = "drover@localhost"
	}
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

func (e *EmailSender) Kind() types.NotificationKind { return types.NotifyEmail }

// Send mails the counts-only summary to the target address.
func (e *EmailSender) Send(_ context.Context, target *types.NotificationTarget, p *Payload) error {
	if target.Email == "" {
		return fmt.Errorf("%w: email target %q has no address", types.ErrValidation, target.Name)
	}
	if e.cfg.Addr == "" {
		return fmt.Errorf("%w: smtp relay not configured", types.ErrValidation)
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		host := e.cfg.Addr
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, host)
	}

	subject := fmt.Sprintf("Run %s - %s - %s", p.RunID, strings.ToUpper(string(p.Status)), p.DirectiveName)
	msg := buildEmailMessage(e.cfg.From, target.Email, subject, emailBody(p))

	if err := e.sendMail(e.cfg.Addr, auth, e.cfg.From, []string{target.Email}, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func emailBody(p *Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s finished with status: %s\n\n", p.RunID, p.Status)
	fmt.Fprintf(&b, "Directive: %s\n", p.DirectiveName)
	fmt.Fprintf(&b, "Jobs: %d/%d completed, %d failed\n", p.JobsCompleted, p.JobsTotal, p.JobsFailed)
	fmt.Fprintf(&b, "LLM Tokens: %d\n\n", p.TotalTokens)
	fmt.Fprintf(&b, "Started: %s\n", p.StartedAt.UTC().Format(time.RFC3339))
	if p.EndedAt != nil {
		fmt.Fprintf(&b, "Finished: %s\n", p.EndedAt.UTC().Format(time.RFC3339))
	}
	if p.ErrorSummary != "" {
		fmt.Fprintf(&b, "\nError: %s\n", p.ErrorSummary)
	}
	b.WriteString("\n---\ndrover orchestrator\n")
	return b.String()
}

func buildEmailMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
