// Package mailer содержит отправку писем сервиса регистрации.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// SMTPMailer отправляет письма через SMTP-ретранслятор без аутентификации,
// доступный только из внутренней сети.
type SMTPMailer struct {
	addr string
	from string
}

// NewSMTPMailer создаёт почтовый клиент для указанного ретранслятора.
func NewSMTPMailer(addr, from string) *SMTPMailer {
	return &SMTPMailer{addr: addr, from: from}
}

// Send отправляет письмо указанным получателям.
func (m *SMTPMailer) Send(_ context.Context, subject string, recipients []string, text, _ string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(text)

	if err := smtp.SendMail(m.addr, nil, m.from, recipients, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// LogMailer пишет письма в лог вместо отправки. Используется, когда SMTP
// не сконфигурирован.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer создаёт почтовую заглушку поверх логгера.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send логирует письмо без отправки.
func (m *LogMailer) Send(_ context.Context, subject string, recipients []string, text, _ string) error {
	m.logger.Info("email suppressed, smtp is not configured",
		zap.String("subject", subject),
		zap.Strings("recipients", recipients),
		zap.String("body", text),
	)
	return nil
}
