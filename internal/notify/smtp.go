package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SMTPConfig holds SMTP connection details.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	To       string
	Username string
	Password string
}

// SMTPNotifier emails events, for headless deployments where the operator
// is the "host" that wants to hear about finished transfers.
type SMTPNotifier struct {
	cfg SMTPConfig
}

var _ Notifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier creates an SMTPNotifier from config.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg}
}

func (n *SMTPNotifier) Notify(ctx context.Context, ev Event) error {
	ctx, span := otel.Tracer("notify").Start(ctx, "notify.smtp")
	defer span.End()

	span.SetAttributes(
		attribute.String("task.id", ev.Task.ID),
		attribute.String("email.to", n.cfg.To),
	)

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	msg := buildMIME(n.cfg.From, n.cfg.To, ev.Title(), ev.Body())

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	// Run the blocking SMTP call in a goroutine so we respect ctx cancellation.
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		done <- result{err: smtp.SendMail(addr, auth, n.cfg.From, []string{n.cfg.To}, msg)}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "smtp send failed")
			return fmt.Errorf("smtp send to %s: %w", n.cfg.To, res.err)
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("notification email timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return err
	}
}

func buildMIME(from, to, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	)
	return []byte(msg)
}
