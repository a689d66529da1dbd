package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nibog/payments-backend/internal/config"
	"github.com/nibog/payments-backend/pkg/mailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMail struct {
	cfg mailer.Config
	msg mailer.Message
}

func newTestNotifier(api BookingAPI, enabled bool) (*EmailNotifier, *[]capturedMail, *sync.Mutex) {
	notifier := NewEmailNotifier(api, &config.EmailConfig{Enabled: enabled, SendTimeout: time.Second}, quietLogger())
	var mu sync.Mutex
	var sent []capturedMail
	notifier.send = func(ctx context.Context, cfg mailer.Config, msg mailer.Message) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, capturedMail{cfg: cfg, msg: msg})
		return nil
	}
	return notifier, &sent, &mu
}

var testConfirmation = BookingConfirmation{
	BookingID:             901,
	MerchantTransactionID: "NIBOG_42_abc",
	ParentName:            "Asha <Rao>",
	Email:                 "asha@example.com",
	ChildName:             "Meera",
	EventID:               12,
	AmountPaise:           79950,
}

func TestEmailNotifier_FetchSettingsShapes(t *testing.T) {
	bodies := map[string]string{
		"row":          `{"smtp_host":"smtp.nibog.in","smtp_port":"465","sender_email":"bookings@nibog.in"}`,
		"list":         `[{"smtp_host":"smtp.nibog.in","smtp_port":465,"sender_email":"bookings@nibog.in"}]`,
		"wrapped row":  `{"data":{"smtp_host":"smtp.nibog.in","smtp_port":465,"sender_email":"bookings@nibog.in"}}`,
		"wrapped list": `{"success":true,"data":[{"smtp_host":"smtp.nibog.in","smtp_port":465,"sender_email":"bookings@nibog.in"}]}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			api := newFakeBookingAPI()
			api.emailResp = &APIResponse{StatusCode: http.StatusOK, Body: []byte(body)}
			notifier, _, _ := newTestNotifier(api, true)

			settings, err := notifier.FetchSettings(context.Background())
			require.NoError(t, err)

			cfg := settings.MailerConfig()
			assert.Equal(t, "smtp.nibog.in", cfg.Host)
			assert.Equal(t, 465, cfg.Port)
			assert.Equal(t, "bookings@nibog.in", cfg.FromEmail)
			assert.Equal(t, "NIBOG", cfg.FromName)
		})
	}
}

func TestEmailNotifier_FetchSettingsUnavailable(t *testing.T) {
	for name, resp := range map[string]*APIResponse{
		"not found":  {StatusCode: http.StatusNotFound},
		"empty list": {StatusCode: http.StatusOK, Body: []byte(`[]`)},
		"no host":    {StatusCode: http.StatusOK, Body: []byte(`{"sender_email":"a@b.c"}`)},
		"not json":   {StatusCode: http.StatusOK, Body: []byte(`ok`)},
	} {
		t.Run(name, func(t *testing.T) {
			api := newFakeBookingAPI()
			api.emailResp = resp
			notifier, _, _ := newTestNotifier(api, true)

			_, err := notifier.FetchSettings(context.Background())
			assert.ErrorIs(t, err, ErrEmailSettingsUnavailable)
		})
	}
}

func TestEmailNotifier_NotifySendsInBackground(t *testing.T) {
	api := newFakeBookingAPI()
	api.emailResp = &APIResponse{StatusCode: http.StatusOK, Body: []byte(`{"smtp_host":"smtp.nibog.in","sender_email":"bookings@nibog.in","sender_name":"NIBOG Events"}`)}
	notifier, sent, mu := newTestNotifier(api, true)

	ctx, cancel := context.WithCancel(context.Background())
	notifier.NotifyBookingConfirmed(ctx, testConfirmation)
	cancel() // the request finishing must not abort the email
	notifier.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *sent, 1)
	mail := (*sent)[0]
	assert.Equal(t, "asha@example.com", mail.msg.To)
	assert.Equal(t, "NIBOG booking confirmed (#901)", mail.msg.Subject)
	assert.Contains(t, mail.msg.HTMLBody, "&#8377;799.50")
	assert.Contains(t, mail.msg.HTMLBody, "Asha &lt;Rao&gt;")
	assert.Equal(t, "NIBOG Events", mail.cfg.FromName)
}

func TestEmailNotifier_SkipsWhenDisabledOrNoAddress(t *testing.T) {
	api := newFakeBookingAPI()
	api.emailResp = &APIResponse{StatusCode: http.StatusOK, Body: []byte(`{"smtp_host":"smtp.nibog.in","sender_email":"bookings@nibog.in"}`)}

	disabled, sent, _ := newTestNotifier(api, false)
	disabled.NotifyBookingConfirmed(context.Background(), testConfirmation)
	disabled.Wait()
	assert.Empty(t, *sent)

	enabled, sent, _ := newTestNotifier(api, true)
	noAddress := testConfirmation
	noAddress.Email = " "
	enabled.NotifyBookingConfirmed(context.Background(), noAddress)
	enabled.Wait()
	assert.Empty(t, *sent)
}

func TestEmailNotifier_SendFailureIsReturned(t *testing.T) {
	api := newFakeBookingAPI()
	api.emailResp = &APIResponse{StatusCode: http.StatusOK, Body: []byte(`{"smtp_host":"smtp.nibog.in","sender_email":"bookings@nibog.in"}`)}
	notifier, _, _ := newTestNotifier(api, true)
	notifier.send = func(ctx context.Context, cfg mailer.Config, msg mailer.Message) error {
		return errors.New("535 authentication failed")
	}

	err := notifier.SendConfirmation(context.Background(), testConfirmation)
	assert.EqualError(t, err, "535 authentication failed")
}
