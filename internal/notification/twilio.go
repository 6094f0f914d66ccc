package notification

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/model"
)

// TwilioConfig holds SMS and voice provider credentials
type TwilioConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
}

type twilioResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// twilioClient posts to the Twilio REST API
type twilioClient struct {
	cfg    TwilioConfig
	client *resty.Client
	logger *zap.Logger
}

func newTwilioClient(cfg TwilioConfig, logger *zap.Logger) *twilioClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15*time.Second).
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetHeader("Accept", "application/json")

	return &twilioClient{cfg: cfg, client: client, logger: logger}
}

func (c *twilioClient) post(ctx context.Context, resource string, recipient *model.Recipient, form map[string]string) (string, error) {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return "", fmt.Errorf("twilio credentials not configured: %w", ErrNotConfigured)
	}
	if recipient.Phone == "" {
		return "", fmt.Errorf("recipient phone number not available: %w", ErrMissingContact)
	}

	form["To"] = recipient.Phone
	form["From"] = c.cfg.From

	var result twilioResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/%s.json", c.cfg.AccountSID, resource))
	if err != nil {
		return "", fmt.Errorf("failed to call Twilio API: %w", err)
	}
	if resp.IsError() {
		c.logger.Warn("Twilio API returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.Int("code", result.Code),
			zap.String("msg", result.Message))
		return "", fmt.Errorf("twilio API error: %s (status: %d)", result.Message, resp.StatusCode())
	}
	return result.SID, nil
}

// SMSSender sends text messages through Twilio
type SMSSender struct {
	client *twilioClient
}

// NewSMSSender creates an SMS sender
func NewSMSSender(cfg TwilioConfig, logger *zap.Logger) *SMSSender {
	return &SMSSender{client: newTwilioClient(cfg, logger.Named("sms"))}
}

// Send sends msg.Body as a text message
func (s *SMSSender) Send(ctx context.Context, recipient *model.Recipient, msg Message) (string, error) {
	return s.client.post(ctx, "Messages", recipient, map[string]string{"Body": msg.Body})
}

// VoiceSender places phone calls reading the message through Twilio
type VoiceSender struct {
	client *twilioClient
}

// NewVoiceSender creates a voice call sender
func NewVoiceSender(cfg TwilioConfig, logger *zap.Logger) *VoiceSender {
	return &VoiceSender{client: newTwilioClient(cfg, logger.Named("voice"))}
}

// Send places a call that reads msg.Body
func (s *VoiceSender) Send(ctx context.Context, recipient *model.Recipient, msg Message) (string, error) {
	twiml := fmt.Sprintf("<Response><Say>%s</Say></Response>", html.EscapeString(msg.Body))
	return s.client.post(ctx, "Calls", recipient, map[string]string{"Twiml": twiml})
}
