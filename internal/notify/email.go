package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"insiderwatch/internal/config"
	"insiderwatch/internal/model"
)

// Email sends alerts over SMTP with optional STARTTLS and PLAIN auth.
type Email struct {
	cfg     config.EmailConfig
	timeout time.Duration
}

func NewEmail(cfg config.EmailConfig, timeout time.Duration) *Email {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Email{cfg: cfg, timeout: timeout}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Notify(ctx context.Context, msg model.Notification) error {
	if msg.Recipient == "" {
		return errors.New("email: no recipient")
	}
	return e.send(ctx, msg.Recipient, e.buildMessage(msg, time.Now()))
}

func (e *Email) buildMessage(msg model.Notification, now time.Time) string {
	fromName := e.cfg.FromName
	if fromName == "" {
		fromName = "insiderwatch"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", headerValue(fromName), stripControl(e.cfg.From))
	fmt.Fprintf(&b, "To: %s\r\n", stripControl(msg.Recipient))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	if msg.AlertID != "" {
		fmt.Fprintf(&b, "X-Insiderwatch-Alert: %s\r\n", stripControl(msg.AlertID))
	}
	if msg.HTML == "" {
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(crlf(msg.Text))
		return b.String()
	}
	boundary := "insiderwatch_" + strconv.FormatInt(now.UnixNano(), 36)
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n", boundary)
	b.WriteString(crlf(msg.Text))
	fmt.Fprintf(&b, "\r\n--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n", boundary)
	b.WriteString(crlf(msg.HTML))
	fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)
	return b.String()
}

// headerValue strips control characters, which would otherwise start a new
// header line, and Q-encodes anything outside printable ASCII.
func headerValue(s string) string {
	return mime.QEncoding.Encode("utf-8", stripControl(s))
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

func (e *Email) send(ctx context.Context, to, body string) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	dialer := &net.Dialer{Timeout: e.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("email: connect %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		return fmt.Errorf("email: smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if e.cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: e.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("email: starttls: %w", err)
		}
	}
	if e.cfg.Username != "" && e.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)); err != nil {
			return fmt.Errorf("email: auth: %w", err)
		}
	}
	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("email: sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("email: recipient: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("email: data: %w", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		_ = w.Close()
		return fmt.Errorf("email: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("email: close data: %w", err)
	}
	return client.Quit()
}
