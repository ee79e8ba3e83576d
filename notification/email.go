// Package notification delivers alert notifications to external sinks.
// Sinks are best-effort: a failed delivery is logged by the caller and
// never aborts alert evaluation.
package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"krai.services/engine/config"
	"krai.services/engine/db"
)

// Sink delivers one alert to an external channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *db.Alert, recipients []string) error
}

// EmailSink sends alert mail over SMTP with optional STARTTLS.
type EmailSink struct {
	cfg config.SMTPConfig
}

// NewEmailSink returns a sink bound to the SMTP settings.
func NewEmailSink(cfg config.SMTPConfig) *EmailSink {
	return &EmailSink{cfg: cfg}
}

// Name implements Sink.
func (s *EmailSink) Name() string { return "email" }

// Send implements Sink. Recipients are mail addresses from the rule.
func (s *EmailSink) Send(ctx context.Context, alert *db.Alert, recipients []string) error {
	if s.cfg.Host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	if len(recipients) == 0 {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	message := buildMessage(s.cfg.FromEmail, recipients, alert)

	dialer := &net.Dialer{Timeout: 15 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial smtp server: %w", err)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open smtp session: %w", err)
	}
	defer client.Close()

	if s.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("smtp server does not offer STARTTLS")
		}
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("failed to start tls: %w", err)
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(s.cfg.FromEmail); err != nil {
		return fmt.Errorf("smtp mail from rejected: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp recipient %s rejected: %w", rcpt, err)
		}
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data failed: %w", err)
	}
	if _, err := writer.Write([]byte(message)); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write message body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return client.Quit()
}

func buildMessage(from string, recipients []string, alert *db.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(alert.Severity), alert.Title)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&b, "Severity: %s\r\n", alert.Severity)
	fmt.Fprintf(&b, "Occurrences: %d\r\n", alert.AggregationCount)
	fmt.Fprintf(&b, "First seen: %s\r\n", alert.FirstOccurrence.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Last seen: %s\r\n", alert.LastOccurrence.UTC().Format(time.RFC3339))
	return b.String()
}
