package mailer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
)

// OutgoingEmail is a fully rendered message ready for delivery.
type OutgoingEmail struct {
	FromName  string
	FromEmail string
	ToEmail   string
	ReplyTo   string
	Subject   string
	HTMLBody  string
	TextBody  string
}

// Mailer delivers rendered emails to a provider.
type Mailer interface {
	// Send delivers the email and returns the provider message ID
	Send(ctx context.Context, email OutgoingEmail) (string, error)
}

// Config holds the configuration for the SMTP mailer
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
}

// SMTPMailer implements the Mailer interface using SMTP
type SMTPMailer struct {
	config   *Config
	testMode bool
}

// NewSMTPMailer creates a new SMTP mailer
func NewSMTPMailer(config *Config) *SMTPMailer {
	return &SMTPMailer{
		config:   config,
		testMode: false,
	}
}

// NewTestSMTPMailer creates a new SMTP mailer in test mode (won't connect to SMTP server)
func NewTestSMTPMailer(config *Config) *SMTPMailer {
	return &SMTPMailer{
		config:   config,
		testMode: true,
	}
}

// Send delivers the email over SMTP and returns a generated message ID.
func (m *SMTPMailer) Send(ctx context.Context, email OutgoingEmail) (string, error) {
	msg := mail.NewMsg(mail.WithNoDefaultUserAgent())

	fromName := email.FromName
	fromEmail := email.FromEmail
	if fromEmail == "" {
		fromName = m.config.FromName
		fromEmail = m.config.FromEmail
	}

	if err := msg.FromFormat(fromName, fromEmail); err != nil {
		return "", fmt.Errorf("failed to set email from address: %w", err)
	}

	if err := msg.To(email.ToEmail); err != nil {
		return "", fmt.Errorf("failed to set email recipient: %w", err)
	}

	if email.ReplyTo != "" {
		if err := msg.ReplyTo(email.ReplyTo); err != nil {
			return "", fmt.Errorf("failed to set reply-to address: %w", err)
		}
	}

	messageID := uuid.New().String()
	msg.SetMessageIDWithValue(messageID)
	msg.Subject(email.Subject)

	msg.SetBodyString(mail.TypeTextHTML, email.HTMLBody)
	if email.TextBody != "" {
		msg.AddAlternativeString(mail.TypeTextPlain, email.TextBody)
	}

	client, err := m.createSMTPClient()
	if err != nil {
		return "", err
	}

	// Test mode: no client, pretend the send succeeded
	if client == nil {
		return messageID, nil
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}

	return messageID, nil
}

// createSMTPClient creates and configures a new SMTP client
func (m *SMTPMailer) createSMTPClient() (*mail.Client, error) {
	// In test mode, return nil client to avoid SMTP connections
	if m.testMode {
		return nil, nil
	}

	clientOptions := []mail.Option{
		mail.WithPort(m.config.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(10 * time.Second),
	}

	// Only add authentication if username and password are provided
	// This allows for unauthenticated SMTP servers (e.g., local relays, port 25)
	if m.config.SMTPUsername != "" && m.config.SMTPPassword != "" {
		clientOptions = append(clientOptions,
			mail.WithUsername(m.config.SMTPUsername),
			mail.WithPassword(m.config.SMTPPassword),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
		)
	}

	client, err := mail.NewClient(m.config.SMTPHost, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	return client, nil
}

// MemoryMailer records sent emails in memory. Used in tests and local development.
type MemoryMailer struct {
	mu    sync.Mutex
	sent  []OutgoingEmail
	fail  error
	count int
}

// NewMemoryMailer creates a mailer that records messages instead of sending them
func NewMemoryMailer() *MemoryMailer {
	return &MemoryMailer{}
}

// Send records the email and returns a deterministic message ID.
func (m *MemoryMailer) Send(_ context.Context, email OutgoingEmail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return "", m.fail
	}

	m.count++
	m.sent = append(m.sent, email)
	return fmt.Sprintf("mem-%d", m.count), nil
}

// Sent returns a copy of every recorded email.
func (m *MemoryMailer) Sent() []OutgoingEmail {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OutgoingEmail, len(m.sent))
	copy(out, m.sent)
	return out
}

// FailWith makes every subsequent Send return the given error.
func (m *MemoryMailer) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}
