package notification

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/shopcraft/fulfillment/pkg/config"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Sender is the outbound email port.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender writes emails to the log instead of delivering them; the dev
// binary uses it so no SMTP server is needed.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, to, subject, _ string) error {
	tracelog.Info(ctx, s.logger, "Email (log only)",
		zap.String("to", to),
		zap.String("subject", subject),
	)

	return nil
}

type smtpSender struct {
	host     string
	port     string
	user     string
	password string
	from     string
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewSMTPSender(cfg config.SMTP, logger *zap.Logger) Sender {
	return &smtpSender{
		host:     cfg.Host,
		port:     cfg.Port,
		user:     cfg.User,
		password: cfg.Password,
		from:     cfg.From,
		logger:   logger,
		tracer:   otel.Tracer("notification/email"),
	}
}

func (s *smtpSender) Send(ctx context.Context, to, subject, body string) error {
	ctx, span := s.tracer.Start(ctx, "smtp.Send")
	defer span.End()

	span.SetAttributes(attribute.String("to.email", to))

	header := "Subject: " + subject + "\n"
	mime := "MIME-version: 1.0;\nContent-Type: text/html; charset=\"UTF-8\";\n\n"
	msg := []byte(header + mime + body)

	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	auth := smtp.PlainAuth("", s.user, s.password, s.host)

	tracelog.Info(ctx, s.logger, "Sending email",
		zap.String("to", to),
		zap.String("subject", subject),
	)

	if err := smtp.SendMail(addr, auth, s.from, []string{to}, msg); err != nil {
		span.RecordError(err)
		tracelog.Error(ctx, s.logger, "Error sending email",
			zap.String("to", to),
			zap.Error(err),
		)

		return fmt.Errorf("failed to send mail: %w", err)
	}

	return nil
}
