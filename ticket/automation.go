package ticket

import (
	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/condition"
	"github.com/liamcoop/automation/event"
	"github.com/liamcoop/automation/rules"
)

// AutoEscalateRuleID names the built-in rule in audit records and queue
// entries.
const AutoEscalateRuleID = "system.sla-auto-escalate"

// AutoEscalateRule turns a breach on an autoEscalate policy into a
// ticket.escalate action. The handler escalates to the breach event's
// targetLevel, so a tenant rule doing the same is harmless.
func AutoEscalateRule() *rules.Rule {
	return &rules.Rule{
		ID:        AutoEscalateRuleID,
		Name:      "Escalate tickets that breach an auto-escalating SLA",
		EventType: event.TypeTicketSLABreached,
		Condition: condition.Leaf("autoEscalate", condition.OpEq, true),
		Actions: []action.Template{{
			Type:     action.TypeTicketEscalate,
			Params:   map[string]any{"reason": "resolution SLA breached"},
			Priority: 10,
		}},
		Enabled: true,
		Version: 1,
	}
}
