package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// -----------------------------------------------------------------------------
// Generic webhook
// -----------------------------------------------------------------------------

// webhookSender POSTs the rendered payload as-is, for custom integrations.
// When a secret is configured the body is signed with HMAC-SHA256 in the
// X-Dumpkeep-Signature header ("sha256=<hex>"), the convention used by
// GitHub and Stripe webhooks.
type webhookSender struct {
	client *http.Client
}

type webhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type webhookBody struct {
	Title     string  `json:"title"`
	Message   string  `json:"text"` // "text" for chat-webhook compatibility
	Success   bool    `json:"success"`
	Color     string  `json:"color"`
	Fields    []Field `json:"fields,omitempty"`
	Timestamp string  `json:"timestamp"`
}

func (s *webhookSender) send(ctx context.Context, raw json.RawMessage, p Payload) error {
	var cfg webhookConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" {
		return fmt.Errorf("%w: webhook channel requires url", ErrInvalidConfig)
	}

	data, err := json.Marshal(webhookBody{
		Title:     p.Title,
		Message:   p.Message,
		Success:   p.Success,
		Color:     p.Color,
		Fields:    p.Fields,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal body: %s", ErrSendFailed, err)
	}

	var headers map[string]string
	if cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		mac.Write(data)
		headers = map[string]string{
			"X-Dumpkeep-Signature": "sha256=" + hex.EncodeToString(mac.Sum(nil)),
		}
	}

	var body json.RawMessage = data
	return postJSON(ctx, s.client, cfg.URL, headers, body)
}

// -----------------------------------------------------------------------------
// Twilio SMS
// -----------------------------------------------------------------------------

// twilioSender delivers a short text form of the payload through the Twilio
// Messages API (URL-encoded form with basic auth).
type twilioSender struct {
	client *http.Client
}

type twilioConfig struct {
	AccountSID string `json:"accountSid"`
	AuthToken  string `json:"authToken"`
	From       string `json:"from"`
	To         string `json:"to"`
}

func (s *twilioSender) send(ctx context.Context, raw json.RawMessage, p Payload) error {
	var cfg twilioConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" || cfg.To == "" {
		return fmt.Errorf("%w: twilio channel requires accountSid, authToken, from and to", ErrInvalidConfig)
	}

	form := url.Values{}
	form.Set("From", cfg.From)
	form.Set("To", cfg.To)
	form.Set("Body", p.Title+"\n"+p.Message)

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json",
		url.PathEscape(cfg.AccountSID))
	headers := map[string]string{
		"Authorization": "Basic " + base64.StdEncoding.EncodeToString(
			[]byte(cfg.AccountSID+":"+cfg.AuthToken)),
	}
	return postForm(ctx, s.client, endpoint, headers, form)
}
