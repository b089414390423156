package ticket

import (
	"errors"
	"time"

	"github.com/liamcoop/automation/tenant"
)

// ErrNoPolicy is returned when no SLA policy matches a ticket.
var ErrNoPolicy = errors.New("no matching SLA policy")

// SLAPolicy holds response and resolution budgets for a priority, and
// optionally an impact level.
type SLAPolicy struct {
	ID                string    `json:"id"`
	TenantID          tenant.ID `json:"tenantId"`
	Priority          string    `json:"priority"`
	ImpactLevel       string    `json:"impactLevel,omitempty"`
	ResponseMinutes   int       `json:"responseMinutes"`
	ResolutionMinutes int       `json:"resolutionMinutes"`
	EscalationChain   []string  `json:"escalationChain,omitempty"`
	AutoEscalate      bool      `json:"autoEscalate"`
}

// SelectPolicy picks the policy matching priority and impact exactly,
// falling back to the priority-only policy (empty impact level).
func SelectPolicy(policies []SLAPolicy, priority, impact string) (SLAPolicy, bool) {
	var fallback *SLAPolicy
	for i := range policies {
		p := &policies[i]
		if p.Priority != priority {
			continue
		}
		if impact != "" && p.ImpactLevel == impact {
			return *p, true
		}
		if p.ImpactLevel == "" && fallback == nil {
			fallback = p
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return SLAPolicy{}, false
}

// ComputeDueTimes returns the response and resolution due times for a
// ticket opened at now.
func ComputeDueTimes(now time.Time, p SLAPolicy) (responseDue, resolutionDue time.Time) {
	responseDue = now.Add(time.Duration(p.ResponseMinutes) * time.Minute)
	resolutionDue = now.Add(time.Duration(p.ResolutionMinutes) * time.Minute)
	return responseDue, resolutionDue
}

// DetectBreach reports whether the resolution due time has passed while the
// ticket is still open.
func DetectBreach(t *Ticket, now time.Time) bool {
	if t.ResolutionDueAt == nil || t.Status.Terminal() {
		return false
	}
	return t.ResolutionDueAt.Before(now)
}

// EscalationRole returns the role for a 1-based escalation level, or "" once
// the chain is exhausted.
func (p SLAPolicy) EscalationRole(level int) string {
	if level < 1 || level > len(p.EscalationChain) {
		return ""
	}
	return p.EscalationChain[level-1]
}
