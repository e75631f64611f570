package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// The chat senders all follow the same shape: decode the channel config,
// map the payload onto the service's native embed/message body, POST it.

// -----------------------------------------------------------------------------
// Discord
// -----------------------------------------------------------------------------

type discordSender struct {
	client *http.Client
}

type discordConfig struct {
	WebhookURL string `json:"webhookUrl"`
}

func (s *discordSender) send(ctx context.Context, raw json.RawMessage, p Payload) error {
	var cfg discordConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.WebhookURL == "" {
		return fmt.Errorf("%w: discord channel requires webhookUrl", ErrInvalidConfig)
	}

	fields := make([]map[string]any, 0, len(p.Fields))
	for _, f := range p.Fields {
		fields = append(fields, map[string]any{
			"name": f.Name, "value": f.Value, "inline": f.Inline,
		})
	}
	body := map[string]any{
		"embeds": []map[string]any{{
			"title":       p.Title,
			"description": p.Message,
			"color":       hexColorInt(p.Color),
			"fields":      fields,
		}},
	}
	return postJSON(ctx, s.client, cfg.WebhookURL, nil, body)
}

// -----------------------------------------------------------------------------
// Slack
// -----------------------------------------------------------------------------

type slackSender struct {
	client *http.Client
}

type slackConfig struct {
	WebhookURL string `json:"webhookUrl"`
}

func (s *slackSender) send(ctx context.Context, raw json.RawMessage, p Payload) error {
	var cfg slackConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.WebhookURL == "" {
		return fmt.Errorf("%w: slack channel requires webhookUrl", ErrInvalidConfig)
	}

	fields := make([]map[string]any, 0, len(p.Fields))
	for _, f := range p.Fields {
		fields = append(fields, map[string]any{
			"title": f.Name, "value": f.Value, "short": f.Inline,
		})
	}
	body := map[string]any{
		"attachments": []map[string]any{{
			"color":  p.Color,
			"title":  p.Title,
			"text":   p.Message,
			"fields": fields,
		}},
	}
	return postJSON(ctx, s.client, cfg.WebhookURL, nil, body)
}

// -----------------------------------------------------------------------------
// Telegram
// -----------------------------------------------------------------------------

type telegramSender struct {
	client *http.Client
}

type telegramConfig struct {
	BotToken string `json:"botToken"`
	ChatID   string `json:"chatId"`
}

func (s *telegramSender) send(ctx context.Context, raw json.RawMessage, p Payload) error {
	var cfg telegramConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return fmt.Errorf("%w: telegram channel requires botToken and chatId", ErrInvalidConfig)
	}

	text := "*" + p.Title + "*\n" + p.Message
	if ft := fieldsText(p.Fields); ft != "" {
		text += "\n\n" + ft
	}
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.BotToken)
	body := map[string]any{
		"chat_id":    cfg.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	return postJSON(ctx, s.client, endpoint, nil, body)
}

// -----------------------------------------------------------------------------
// Microsoft Teams
// -----------------------------------------------------------------------------

type teamsSender struct {
	client *http.Client
}

type teamsConfig struct {
	WebhookURL string `json:"webhookUrl"`
}

func (s *teamsSender) send(ctx context.Context, raw json.RawMessage, p Payload) error {
	var cfg teamsConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.WebhookURL == "" {
		return fmt.Errorf("%w: teams channel requires webhookUrl", ErrInvalidConfig)
	}

	facts := make([]map[string]string, 0, len(p.Fields))
	for _, f := range p.Fields {
		facts = append(facts, map[string]string{"name": f.Name, "value": f.Value})
	}
	body := map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"themeColor": strings.TrimPrefix(p.Color, "#"),
		"title":      p.Title,
		"text":       p.Message,
		"sections":   []map[string]any{{"facts": facts}},
	}
	return postJSON(ctx, s.client, cfg.WebhookURL, nil, body)
}

// -----------------------------------------------------------------------------
// ntfy
// -----------------------------------------------------------------------------

type ntfySender struct {
	client *http.Client
}

type ntfyConfig struct {
	ServerURL string `json:"serverUrl"`
	Topic     string `json:"topic"`
	Token     string `json:"token"`
}

func (s *ntfySender) send(ctx context.Context, raw json.RawMessage, p Payload) error {
	var cfg ntfyConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.Topic == "" {
		return fmt.Errorf("%w: ntfy channel requires topic", ErrInvalidConfig)
	}
	server := cfg.ServerURL
	if server == "" {
		server = "https://ntfy.sh"
	}

	headers := map[string]string{"Title": p.Title}
	if !p.Success {
		headers["Priority"] = "high"
	}
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}
	text := p.Message
	if ft := fieldsText(p.Fields); ft != "" {
		text += "\n\n" + ft
	}
	endpoint := strings.TrimSuffix(server, "/") + "/" + url.PathEscape(cfg.Topic)
	return post(ctx, s.client, endpoint, "text/plain", headers, strings.NewReader(text))
}

// -----------------------------------------------------------------------------
// Gotify
// -----------------------------------------------------------------------------

type gotifySender struct {
	client *http.Client
}

type gotifyConfig struct {
	ServerURL string `json:"serverUrl"`
	Token     string `json:"token"`
}

func (s *gotifySender) send(ctx context.Context, raw json.RawMessage, p Payload) error {
	var cfg gotifyConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.ServerURL == "" || cfg.Token == "" {
		return fmt.Errorf("%w: gotify channel requires serverUrl and token", ErrInvalidConfig)
	}

	priority := 4
	if !p.Success {
		priority = 8
	}
	text := p.Message
	if ft := fieldsText(p.Fields); ft != "" {
		text += "\n\n" + ft
	}
	endpoint := strings.TrimSuffix(cfg.ServerURL, "/") + "/message?token=" + url.QueryEscape(cfg.Token)
	body := map[string]any{
		"title":    p.Title,
		"message":  text,
		"priority": priority,
	}
	return postJSON(ctx, s.client, endpoint, nil, body)
}
