package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobnotifier/internal/config"
)

// EmailMessage is a rendered email ready for a provider
type EmailMessage struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Backend is the channel capability the dispatcher delivers through. A nil
// error means the provider accepted the message.
type Backend interface {
	SendEmail(ctx context.Context, msg EmailMessage) (messageID string, err error)
	SendSMS(ctx context.Context, to, message string) error
	SendPush(ctx context.Context, to, title, body string, data map[string]any) error
}

// SimulatedBackend logs every message and reports success. It is the seam a
// real SMS or push provider replaces.
type SimulatedBackend struct {
	log *zap.SugaredLogger
}

func NewSimulatedBackend(log *zap.SugaredLogger) *SimulatedBackend {
	return &SimulatedBackend{log: log.Named("backend.simulated")}
}

func (b *SimulatedBackend) SendEmail(ctx context.Context, msg EmailMessage) (string, error) {
	b.log.Infow("would send email", "to", msg.To, "subject", msg.Subject, "bytes", len(msg.Text))
	return "simulated-" + uuid.NewString(), nil
}

func (b *SimulatedBackend) SendSMS(ctx context.Context, to, message string) error {
	b.log.Infow("would send sms", "to", maskRecipient(to), "bytes", len(message))
	return nil
}

func (b *SimulatedBackend) SendPush(ctx context.Context, to, title, body string, data map[string]any) error {
	b.log.Infow("would send push", "to", maskRecipient(to), "title", title, "data_keys", len(data))
	return nil
}

// NewBackend returns a Mailgun-backed email channel when Mailgun is
// configured and the simulated backend otherwise.
func NewBackend(cfg config.MailgunConfig, log *zap.SugaredLogger) Backend {
	if mg := NewMailgunBackend(cfg, log); mg != nil {
		log.Infow("using Mailgun email backend", "domain", cfg.Domain, "from", cfg.FromEmail)
		return mg
	}
	log.Infow("using simulated notification backend (Mailgun not configured)")
	return NewSimulatedBackend(log)
}

// maskRecipient keeps the last four characters of phone numbers and device tokens
func maskRecipient(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
