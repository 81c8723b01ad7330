package delivery

import (
	"context"
	"crypto/tls"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/Esekyi/mailSage/internal/models"
)

// Outgoing is one rendered message addressed to a single recipient
type Outgoing struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
}

// Transport performs one send attempt via a provider. Implementations
// return errors classifiable by Classify; sending via SMTP is a pluggable
// capability, not something the engine implements itself.
type Transport interface {
	Send(ctx context.Context, p *models.Provider, msg *Outgoing) error
}

// GomailTransport delivers through the provider's SMTP submission endpoint
type GomailTransport struct{}

// NewGomailTransport creates the default SMTP transport
func NewGomailTransport() *GomailTransport {
	return &GomailTransport{}
}

// Send dials the provider and submits the message. The dial and send are
// the only blocking work a worker performs besides backoff sleep.
func (t *GomailTransport) Send(ctx context.Context, p *models.Provider, msg *Outgoing) error {
	m := gomail.NewMessage()
	m.SetHeader("From", from(p, msg))
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	d := gomail.NewDialer(p.Host, p.Port, p.Username, p.Password)
	if p.UseTLS {
		d.TLSConfig = &tls.Config{ServerName: p.Host, MinVersion: tls.VersionTLS12}
	}

	done := make(chan error, 1)
	go func() { done <- d.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("send to %s aborted: %w", msg.To, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send via %s failed: %w", p.Name, err)
		}
		return nil
	}
}

func from(p *models.Provider, msg *Outgoing) string {
	if msg.From != "" {
		return msg.From
	}
	return p.FromEmail
}
