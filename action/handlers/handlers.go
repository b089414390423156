// Package handlers holds the action handlers for every action.Type.
package handlers

import (
	"net/http"
	"time"

	"github.com/liamcoop/automation/action"
)

// Options configures the default handler set.
type Options struct {
	Sender         Sender
	HTTPClient     *http.Client
	WebhookTimeout time.Duration
	Tickets        TicketService
}

// NewRegistry registers a handler for every declared action type.
func NewRegistry(opts Options) *action.Registry {
	return action.NewRegistry(
		NewNotify(opts.Sender),
		NewWebhook(opts.HTTPClient, opts.WebhookTimeout),
		NewTicketEscalate(opts.Tickets),
		NewTicketAssign(opts.Tickets),
		NewTicketTag(opts.Tickets),
	)
}
