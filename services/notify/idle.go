package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Composer renders a named mail template. *render.Engine satisfies it.
type Composer interface {
	Mail(name string, data any) (subject, body string, err error)
}

// Subscriber consumes events from a durable subject. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// IdleWarningConfig controls how owners are addressed.
type IdleWarningConfig struct {
	// MailDomain is appended to owners that are not mail addresses.
	MailDomain string
	// BaseURL links the mail to the session page when set.
	BaseURL string
}

// IdleWarnings mails session owners when their session is about to be
// reaped for inactivity.
type IdleWarnings struct {
	sender  Sender
	compose Composer
	cfg     IdleWarningConfig
	logger  zerolog.Logger
}

type idleWarningEvent struct {
	SessionID string `json:"session_id"`
	Owner     string `json:"owner"`
	ToolID    string `json:"tool_id"`
}

func NewIdleWarnings(sender Sender, compose Composer, cfg IdleWarningConfig, logger zerolog.Logger) (*IdleWarnings, error) {
	if sender == nil || compose == nil {
		return nil, errors.New("sender and composer are required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &IdleWarnings{
		sender:  sender,
		compose: compose,
		cfg:     cfg,
		logger:  logger.With().Str("component", "idle-warnings").Logger(),
	}, nil
}

// Listen subscribes Handle to subject under a durable consumer.
func (w *IdleWarnings) Listen(ctx context.Context, sub Subscriber, subject string) (io.Closer, error) {
	return sub.Subscribe(ctx, subject, "idle-warning-mailer", w.Handle)
}

// Handle mails one idle warning. Events that can never be delivered are
// dropped; relay errors are returned so the event is redelivered.
func (w *IdleWarnings) Handle(ctx context.Context, data []byte) error {
	var evt idleWarningEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.SessionID == "" {
		w.logger.Warn().Bytes("payload", data).Msg("dropping malformed idle warning")
		return nil
	}
	log := w.logger.With().Str("session_id", evt.SessionID).Str("owner", evt.Owner).Logger()

	recipient := w.recipient(evt.Owner)
	if recipient == "" {
		log.Warn().Msg("owner has no mail address")
		return nil
	}

	view := map[string]any{
		"Owner":     evt.Owner,
		"SessionID": evt.SessionID,
		"ToolID":    evt.ToolID,
		"URL":       "",
	}
	if w.cfg.BaseURL != "" {
		view["URL"] = w.cfg.BaseURL + "/sessions/" + evt.SessionID
	}
	subject, body, err := w.compose.Mail("idle_warning", view)
	if err != nil {
		log.Error().Err(err).Msg("render idle warning")
		return nil
	}

	switch err := w.sender.SendAlert(ctx, []string{recipient}, subject, body); {
	case errors.Is(err, ErrNotConfigured):
		log.Debug().Msg("mail relay not configured, idle warning skipped")
		return nil
	case err != nil:
		return err
	}
	log.Info().Str("recipient", recipient).Msg("idle warning mailed")
	return nil
}

func (w *IdleWarnings) recipient(owner string) string {
	owner = strings.TrimSpace(owner)
	switch {
	case owner == "":
		return ""
	case strings.Contains(owner, "@"):
		return owner
	case w.cfg.MailDomain != "":
		return owner + "@" + strings.TrimPrefix(w.cfg.MailDomain, "@")
	}
	return ""
}
