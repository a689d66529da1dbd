package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/internal/models"
	"github.com/nibog/payments-backend/pkg/mailer"
	"github.com/sirupsen/logrus"
)

// ErrEmailSettingsUnavailable indicates the SMTP settings could not be fetched
var ErrEmailSettingsUnavailable = errors.New("email settings unavailable")

// EmailSettings is a row of the booking API's email settings
type EmailSettings struct {
	SMTPHost     string           `json:"smtp_host"`
	SMTPPort     models.FlexInt64 `json:"smtp_port"`
	SMTPUsername string           `json:"smtp_username"`
	SMTPPassword string           `json:"smtp_password"`
	SenderName   string           `json:"sender_name"`
	SenderEmail  string           `json:"sender_email"`
}

// MailerConfig converts the settings for pkg/mailer
func (s EmailSettings) MailerConfig() mailer.Config {
	return mailer.Config{
		Host:      strings.TrimSpace(s.SMTPHost),
		Port:      int(s.SMTPPort.Int64()),
		Username:  s.SMTPUsername,
		Password:  s.SMTPPassword,
		FromName:  orDefault(s.SenderName, "NIBOG"),
		FromEmail: strings.TrimSpace(s.SenderEmail),
	}
}

var confirmationTemplate = template.Must(template.New("confirmation").Parse(`<html>
<body style="font-family: Arial, sans-serif; color: #222;">
<h2>Booking confirmed</h2>
<p>Dear {{.ParentName}},</p>
<p>Thank you for registering {{.ChildName}}. Your payment has been received and your booking is confirmed.</p>
<table cellpadding="6" style="border-collapse: collapse;">
<tr><td><strong>Booking ID</strong></td><td>{{.BookingID}}</td></tr>
<tr><td><strong>Transaction</strong></td><td>{{.MerchantTransactionID}}</td></tr>
<tr><td><strong>Amount paid</strong></td><td>&#8377;{{.Amount}}</td></tr>
</table>
<p>See you at the event!</p>
<p>Team NIBOG</p>
</body>
</html>`))

// EmailNotifier sends booking confirmation emails in the background
type EmailNotifier struct {
	api    BookingAPI
	config *config.EmailConfig
	logger *logrus.Logger
	send   func(ctx context.Context, cfg mailer.Config, msg mailer.Message) error
	wg     sync.WaitGroup
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(api BookingAPI, cfg *config.EmailConfig, logger *logrus.Logger) *EmailNotifier {
	return &EmailNotifier{
		api:    api,
		config: cfg,
		logger: logger,
		send:   mailer.Send,
	}
}

// NotifyBookingConfirmed sends the confirmation on its own goroutine with its
// own timeout. Failures are logged only.
func (n *EmailNotifier) NotifyBookingConfirmed(ctx context.Context, confirmation BookingConfirmation) {
	if !n.config.Enabled || strings.TrimSpace(confirmation.Email) == "" {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		timeout := n.config.SendTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		logger := n.logger.WithFields(logrus.Fields{
			"booking_id":              confirmation.BookingID,
			"merchant_transaction_id": confirmation.MerchantTransactionID,
		})
		if err := n.SendConfirmation(sendCtx, confirmation); err != nil {
			logger.WithError(err).Warn("Booking confirmation email not sent")
			return
		}
		logger.Info("Booking confirmation email sent")
	}()
}

// Wait blocks until in-flight emails finish
func (n *EmailNotifier) Wait() {
	n.wg.Wait()
}

// SendConfirmation fetches SMTP settings and sends one confirmation synchronously
func (n *EmailNotifier) SendConfirmation(ctx context.Context, confirmation BookingConfirmation) error {
	settings, err := n.FetchSettings(ctx)
	if err != nil {
		return err
	}

	body, err := RenderConfirmation(confirmation)
	if err != nil {
		return err
	}

	return n.send(ctx, settings.MailerConfig(), mailer.Message{
		To:       strings.TrimSpace(confirmation.Email),
		Subject:  fmt.Sprintf("NIBOG booking confirmed (#%d)", confirmation.BookingID),
		HTMLBody: body,
	})
}

// FetchSettings reads the SMTP settings from the booking API.
// Accepts a row, a list of rows, or either wrapped in "data".
func (n *EmailNotifier) FetchSettings(ctx context.Context) (*EmailSettings, error) {
	resp, err := n.api.GetEmailSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmailSettingsUnavailable, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: status %d", ErrEmailSettingsUnavailable, resp.StatusCode)
	}

	settings, ok := decodeEmailSettings(resp.Body, 0)
	if !ok || settings.SMTPHost == "" {
		return nil, fmt.Errorf("%w: no smtp_host in response", ErrEmailSettingsUnavailable)
	}
	return settings, nil
}

func decodeEmailSettings(body []byte, depth int) (*EmailSettings, bool) {
	if depth > 2 {
		return nil, false
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err == nil {
		if len(rows) == 0 {
			return nil, false
		}
		return decodeEmailSettings(rows[0], depth+1)
	}

	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Data) > 0 {
		return decodeEmailSettings(wrapper.Data, depth+1)
	}

	var settings EmailSettings
	if err := json.Unmarshal(body, &settings); err != nil {
		return nil, false
	}
	return &settings, true
}

// RenderConfirmation renders the confirmation email body
func RenderConfirmation(confirmation BookingConfirmation) (string, error) {
	var buf bytes.Buffer
	err := confirmationTemplate.Execute(&buf, map[string]interface{}{
		"ParentName":            orDefault(confirmation.ParentName, "Parent"),
		"ChildName":             orDefault(confirmation.ChildName, "your child"),
		"BookingID":             confirmation.BookingID,
		"MerchantTransactionID": confirmation.MerchantTransactionID,
		"Amount":                models.PaiseToRupees(confirmation.AmountPaise).StringFixed(2),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render confirmation email: %w", err)
	}
	return buf.String(), nil
}
