package report

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/patchwork/internal/fleet"
)

// EmailConfig holds SMTP delivery settings.
type EmailConfig struct {
	Host     string
	Port     int
	UseTLS   bool // implicit TLS (smtps), not STARTTLS
	Username string
	Password string
	From     string
	To       []string
}

// Email sends the run summary over SMTP. The subject carries the worst
// outcome so a mailbox sort surfaces broken runs first.
type Email struct {
	cfg EmailConfig

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmail(cfg EmailConfig) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
		if cfg.UseTLS {
			cfg.Port = 465
		}
	}
	e := &Email{cfg: cfg, send: smtp.SendMail}
	if cfg.UseTLS {
		e.send = e.sendTLS
	}
	return e
}

// sendTLS delivers over an implicit-TLS connection, for servers that do not
// speak STARTTLS on the submission port.
func (e *Email) sendTLS(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.cfg.Host})
	if err != nil {
		return err
	}
	cli, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer cli.Close()
	if a != nil {
		if err := cli.Auth(a); err != nil {
			return err
		}
	}
	if err := cli.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := cli.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := cli.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return cli.Quit()
}

func subject(res *fleet.AggregateResult) string {
	switch {
	case len(res.RollbackFailures()) > 0:
		return fmt.Sprintf("[patchwork] ROLLBACK FAILED on %d host(s)", len(res.RollbackFailures()))
	case res.Count(fleet.OutcomeFailed) > 0:
		return fmt.Sprintf("[patchwork] %d host(s) failed", res.Count(fleet.OutcomeFailed))
	case res.Count(fleet.OutcomeRolledBack) > 0:
		return fmt.Sprintf("[patchwork] %d host(s) rolled back", res.Count(fleet.OutcomeRolledBack))
	case res.CheckOnly:
		return fmt.Sprintf("[patchwork] check: %d host(s) with updates", hostsWithUpdates(res))
	default:
		return fmt.Sprintf("[patchwork] %d host(s) updated", res.Count(fleet.OutcomeSuccess))
	}
}

func hostsWithUpdates(res *fleet.AggregateResult) int {
	n := 0
	for _, h := range res.Hosts {
		if len(h.Updates) > 0 {
			n++
		}
	}
	return n
}

func (e *Email) Publish(_ context.Context, res *fleet.AggregateResult) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject(res))
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(Render(res))

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	if err := e.send(addr, auth, e.cfg.From, e.cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("send report email: %w", err)
	}
	log.Info().Str("to", strings.Join(e.cfg.To, ",")).Msg("report email sent")
	return nil
}
