package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Sentinel errors for delivery problems. Callers compare with errors.Is.
var (
	// ErrSendFailed wraps any transport or remote rejection during
	// delivery. Always non-fatal to the triggering run.
	ErrSendFailed = errors.New("notify: send failed")

	// ErrUnknownChannelKind marks a channel row whose kind has no sender.
	ErrUnknownChannelKind = errors.New("notify: unknown channel kind")

	// ErrInvalidConfig marks a channel config missing required fields.
	ErrInvalidConfig = errors.New("notify: invalid channel config")
)

// sender delivers one rendered payload through one channel kind. Config is
// the channel's decrypted JSON config.
type sender interface {
	send(ctx context.Context, config json.RawMessage, p Payload) error
}

func decodeConfig(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return nil
}

// postJSON sends a JSON body and treats any non-2xx response as a failure.
func postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal body: %s", ErrSendFailed, err)
	}
	return post(ctx, client, endpoint, "application/json", headers, bytes.NewReader(data))
}

// postForm sends a URL-encoded form body.
func postForm(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, form url.Values) error {
	return post(ctx, client, endpoint, "application/x-www-form-urlencoded", headers, strings.NewReader(form.Encode()))
}

func post(ctx context.Context, client *http.Client, endpoint, contentType string, headers map[string]string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "Dumpkeep-Notify/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: endpoint returned status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// hexColorInt converts "#rrggbb" to the integer form chat embeds expect.
func hexColorInt(hex string) int {
	hex = strings.TrimPrefix(hex, "#")
	var n int
	fmt.Sscanf(hex, "%06x", &n)
	return n
}

// fieldsText renders fields as plain "Name: Value" lines for text-only
// channels.
func fieldsText(fields []Field) string {
	var sb strings.Builder
	for _, f := range fields {
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\n")
	}
	return sb.String()
}
