package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/venueguard/internal/model"
)

// EmailConfig holds SMTP credentials
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender sends HTML alert emails over SMTP
type EmailSender struct {
	cfg      EmailConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates an email sender
func NewEmailSender(cfg EmailConfig) *EmailSender {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

// Send renders and sends the message to the recipient's email address
func (s *EmailSender) Send(ctx context.Context, recipient *model.Recipient, msg Message) (string, error) {
	if s.cfg.Host == "" || s.cfg.Username == "" || s.cfg.Password == "" {
		return "", fmt.Errorf("email credentials not configured: %w", ErrNotConfigured)
	}
	if recipient.Email == "" {
		return "", fmt.Errorf("recipient email not available: %w", ErrMissingContact)
	}

	body, err := EmailHTML(msg)
	if err != nil {
		return "", err
	}

	subject := msg.Subject
	if subject == "" {
		subject = productName + " Alert"
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", recipient.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	// net/smtp has no context support; the send is abandoned on cancellation
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.sendMail(addr, auth, s.cfg.From, []string{recipient.Email}, []byte(b.String()))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("failed to send email: %w", err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("failed to send email: %w", ctx.Err())
	}
}
