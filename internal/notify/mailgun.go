package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"go.uber.org/zap"

	"jobnotifier/internal/config"
	"jobnotifier/internal/errors"
)

const mailgunSendTimeout = 30 * time.Second

// MailgunBackend sends email through Mailgun. SMS and push have no provider
// yet and go through the embedded simulated backend.
type MailgunBackend struct {
	*SimulatedBackend

	cfg    config.MailgunConfig
	log    *zap.SugaredLogger
	client *mailgun.MailgunImpl
}

// NewMailgunBackend returns nil if Mailgun is not configured.
func NewMailgunBackend(cfg config.MailgunConfig, log *zap.SugaredLogger) *MailgunBackend {
	if !cfg.IsConfigured() {
		return nil
	}

	return &MailgunBackend{
		SimulatedBackend: NewSimulatedBackend(log),
		cfg:              cfg,
		log:              log.Named("backend.mailgun"),
		client:           mailgun.NewMailgun(cfg.Domain, cfg.APIKey),
	}
}

func (b *MailgunBackend) SendEmail(ctx context.Context, msg EmailMessage) (string, error) {
	if err := b.validate(); err != nil {
		return "", err
	}

	from := b.cfg.FromEmail
	if b.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", b.cfg.FromName, b.cfg.FromEmail)
	}

	message := b.client.NewMessage(from, msg.Subject, msg.Text, msg.To)
	if msg.HTML != "" {
		message.SetHtml(msg.HTML)
	}

	sendCtx, cancel := context.WithTimeout(ctx, mailgunSendTimeout)
	defer cancel()

	_, messageID, err := b.client.Send(sendCtx, message)
	if err != nil {
		return "", errors.Wrapf(err, "mailgun send to %s", msg.To)
	}
	return messageID, nil
}

func (b *MailgunBackend) validate() error {
	if b.cfg.Domain == "" {
		return errors.Wrap(errors.ErrInvalidArgument, "MAILGUN_DOMAIN is required")
	}
	if b.cfg.APIKey == "" {
		return errors.Wrap(errors.ErrInvalidArgument, "MAILGUN_API_KEY is required")
	}
	if b.cfg.FromEmail == "" {
		return errors.Wrap(errors.ErrInvalidArgument, "EMAIL_FROM_ADDRESS is required")
	}
	return nil
}
