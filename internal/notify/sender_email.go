package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// emailSender delivers HTML email over SMTP. Two connection modes, selected
// by the channel config:
//   - tls true:  implicit TLS (SMTPS, typically port 465) via tls.Dial
//   - tls false: plaintext or STARTTLS (typically port 587) via smtp.SendMail
type emailSender struct{}

type emailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	TLS      bool     `json:"tls"`
}

func (s *emailSender) send(ctx context.Context, raw json.RawMessage, p Payload) error {
	var cfg emailConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return fmt.Errorf("%w: email channel requires host, from and to", ErrInvalidConfig)
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}

	msg := buildEmail(cfg.From, cfg.To, p)
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", port))
	if cfg.TLS {
		return s.sendTLS(addr, &cfg, msg)
	}
	return s.sendPlain(addr, &cfg, msg)
}

// sendPlain uses smtp.SendMail, which negotiates STARTTLS automatically when
// the server offers it.
func (s *emailSender) sendPlain(addr string, cfg *emailConfig, msg []byte) error {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, cfg.From, cfg.To, msg); err != nil {
		return fmt.Errorf("%w: smtp.SendMail: %s", ErrSendFailed, err)
	}
	return nil
}

// sendTLS establishes the TLS connection before the SMTP handshake, for
// servers that expect TLS from the first byte.
func (s *emailSender) sendTLS(addr string, cfg *emailConfig, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("%w: tls.Dial: %s", ErrSendFailed, err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("%w: smtp.NewClient: %s", ErrSendFailed, err)
	}
	defer client.Close()

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: smtp auth: %s", ErrSendFailed, err)
		}
	}
	if err := client.Mail(cfg.From); err != nil {
		return fmt.Errorf("%w: MAIL FROM: %s", ErrSendFailed, err)
	}
	for _, r := range cfg.To {
		if err := client.Rcpt(r); err != nil {
			return fmt.Errorf("%w: RCPT TO %s: %s", ErrSendFailed, r, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: DATA: %s", ErrSendFailed, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: write body: %s", ErrSendFailed, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close DATA: %s", ErrSendFailed, err)
	}
	return client.Quit()
}

// buildEmail composes an RFC 5322 message with an HTML body.
func buildEmail(from string, to []string, p Payload) []byte {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	sb.WriteString("Subject: " + p.Title + "\r\n")
	sb.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(buildHTMLBody(p))
	return []byte(sb.String())
}

func buildHTMLBody(p Payload) string {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	sb.WriteString(fmt.Sprintf("<h2 style=\"color:%s\">%s</h2>", p.Color, html.EscapeString(p.Title)))
	sb.WriteString("<p>" + html.EscapeString(p.Message) + "</p>")
	if len(p.Fields) > 0 {
		sb.WriteString("<table cellpadding=\"4\">")
		for _, f := range p.Fields {
			sb.WriteString("<tr><td><b>" + html.EscapeString(f.Name) + "</b></td><td>" +
				html.EscapeString(f.Value) + "</td></tr>")
		}
		sb.WriteString("</table>")
	}
	sb.WriteString("</body></html>")
	return sb.String()
}
