package mail

import (
	"context"
	"fmt"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// SMTPConfig describes the outbound relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

const dialTimeout = 30 * time.Second

// deliverer is the part of the go-mail client the sender uses.
type deliverer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// SMTPSender delivers invoice emails through an SMTP relay.
type SMTPSender struct {
	cfg   SMTPConfig
	dial  func(SMTPConfig) (deliverer, error)
	nowFn func() time.Time
}

// NewSMTPSender constructs a sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, dial: newClient, nowFn: time.Now}
}

func newClient(cfg SMTPConfig) (deliverer, error) {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTimeout(dialTimeout),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}
	return gomail.NewClient(cfg.Host, opts...)
}

// Configured reports whether a relay host and sender address are set.
func (s *SMTPSender) Configured() bool {
	return s != nil && s.cfg.Host != "" && s.cfg.From != ""
}

// SendInvoiceEmail renders and delivers e. It reports false with the cause
// when the relay rejects the message.
func (s *SMTPSender) SendInvoiceEmail(ctx context.Context, e InvoiceEmail) (bool, error) {
	if !s.Configured() {
		return false, fmt.Errorf("mail: smtp relay not configured")
	}
	msg, err := Compose(e)
	if err != nil {
		return false, err
	}
	m, err := s.build(msg)
	if err != nil {
		return false, err
	}
	client, err := s.dial(s.cfg)
	if err != nil {
		return false, fmt.Errorf("mail: smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return false, fmt.Errorf("mail: deliver invoice %s to %s: %w", e.InvoiceNumber, msg.To, err)
	}
	return true, nil
}

func (s *SMTPSender) build(msg Message) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("mail: sender address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("mail: recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(s.nowFn())
	m.SetBodyString(gomail.TypeTextPlain, msg.Body)
	return m, nil
}
