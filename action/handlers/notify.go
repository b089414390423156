package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/internal/logger"
)

// Notification is a rendered notify action.
type Notification struct {
	TenantID   string
	RuleID     string
	Channel    string
	Recipients []string
	Subject    string
	Message    string
}

// Sender delivers notifications to a channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the structured log. It is the default
// sender when no channel integration is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	logger.OrDefault(s.Logger, "notify").Info("notification",
		"tenant", n.TenantID,
		"rule_id", n.RuleID,
		"channel", n.Channel,
		"recipients", n.Recipients,
		"subject", n.Subject,
		"message", n.Message,
	)
	return nil
}

// Notify handles "notify" actions.
//
// Params:
//   - message: required text
//   - subject: optional
//   - channel: optional, defaults to "log"
//   - recipients: string or list of strings
type Notify struct {
	sender Sender
}

// NewNotify returns a notify handler. A nil sender logs notifications.
func NewNotify(sender Sender) *Notify {
	if sender == nil {
		sender = LogSender{}
	}
	return &Notify{sender: sender}
}

func (n *Notify) Type() action.Type { return action.TypeNotify }

func (n *Notify) Validate(params map[string]any) error {
	msg, _ := params["message"].(string)
	if strings.TrimSpace(msg) == "" {
		return fmt.Errorf("message is required")
	}
	if r, ok := params["recipients"]; ok {
		if _, err := stringList(r); err != nil {
			return fmt.Errorf("recipients: %w", err)
		}
	}
	return nil
}

func (n *Notify) Execute(ctx context.Context, req action.Request) error {
	params := req.Payload.Params
	if err := n.Validate(params); err != nil {
		return action.Permanent(err)
	}
	recipients, _ := stringList(params["recipients"])
	channel, _ := params["channel"].(string)
	if channel == "" {
		channel = "log"
	}
	subject, _ := params["subject"].(string)
	msg, _ := params["message"].(string)

	return n.sender.Send(ctx, Notification{
		TenantID:   req.TenantID.String(),
		RuleID:     req.RuleID,
		Channel:    channel,
		Recipients: recipients,
		Subject:    subject,
		Message:    msg,
	})
}

// stringList accepts a string, []string, or []any of strings.
func stringList(v any) ([]string, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case string:
		if l == "" {
			return nil, nil
		}
		return []string{l}, nil
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string or list, got %T", v)
}
