// Package notify delivers termination notices over SMTP.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/invigilo/backend/config"
)

// Mailer sends plain-text notification mail. A Mailer with no SMTP host
// configured is a no-op; delivery is best-effort and never blocks the
// proctoring pipeline.
type Mailer struct {
	cfg    config.EmailConfig
	logger *zap.Logger
}

// NewMailer creates a mailer from email config.
func NewMailer(cfg config.EmailConfig, logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{cfg: cfg, logger: logger}
}

// Enabled reports whether SMTP delivery is configured.
func (m *Mailer) Enabled() bool {
	return m.cfg.SMTPHost != ""
}

// Send delivers one plain-text message.
func (m *Mailer) Send(to, subject, body string) error {
	if !m.Enabled() {
		m.logger.Debug("smtp not configured, skipping mail", zap.String("to", to))
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", m.cfg.FromName, m.cfg.FromAddress)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)

	addr := fmt.Sprintf("%s:%d", m.cfg.SMTPHost, m.cfg.SMTPPort)
	var auth smtp.Auth
	if m.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", m.cfg.SMTPUser, m.cfg.SMTPPass, m.cfg.SMTPHost)
	}
	if err := smtp.SendMail(addr, auth, m.cfg.FromAddress, []string{to}, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	m.logger.Info("mail sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// TerminationBody renders the notice sent when an attempt is terminated.
func TerminationBody(fullName, examTitle string, warningCount int, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s,\n\n", fullName)
	fmt.Fprintf(&b, "Your attempt for the exam %q was terminated at %s.\n", examTitle, at.Format(time.RFC1123))
	if warningCount > 0 {
		fmt.Fprintf(&b, "The proctoring system recorded %d warnings before termination.\n", warningCount)
	}
	b.WriteString("\nIf you believe this was in error, contact your faculty.\n")
	return b.String()
}
