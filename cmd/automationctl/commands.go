package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/internal/app"
	"github.com/liamcoop/automation/queue"
	"github.com/liamcoop/automation/rules"
)

func (c *cli) pendingCmd() *cobra.Command {
	var tenantFlag string
	var limit, maxAttempts int

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List queued actions awaiting execution",
		Example: `  automationctl pending
  automationctl pending --tenant acme --max-attempts 5 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := queue.AllTenants()
			if tenantFlag != "" {
				id, err := parseTenant(tenantFlag)
				if err != nil {
					return err
				}
				scope = queue.ForTenant(id)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Queue.ListPending(ctx, queue.Filter{Scope: scope, Limit: limit, MaxAttempts: maxAttempts})
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTENANT\tRULE\tTYPE\tATTEMPTS\tSCHEDULED\tERROR")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						e.ID, e.TenantID, e.RuleID, e.ActionType, e.AttemptCount,
						e.ScheduledFor.Format(time.RFC3339), e.Error)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenantFlag, "tenant", "", "restrict to one tenant")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "hide entries that already used this many attempts")
	return cmd
}

func (c *cli) auditsCmd() *cobra.Command {
	var tenantFlag, ruleID string
	var limit int

	cmd := &cobra.Command{
		Use:   "audits",
		Short: "Show rule evaluation audit records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenant(tenantFlag)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				opts := audit.ListOptions{Limit: limit}
				var records []audit.Record
				if ruleID != "" {
					records, err = a.Audits.ListForRule(ctx, id, ruleID, opts)
				} else {
					records, err = a.Audits.List(ctx, id, opts)
				}
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), records)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "AT\tRULE\tVERSION\tEVENT\tMATCHED\tSIMULATION\tERROR")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\tv%d\t%s\t%t\t%t\t%s\n",
						r.CreatedAt.Format(time.RFC3339), r.RuleID, r.RuleVersion, r.TriggerEvent.Type,
						r.Matched, r.Simulation, r.Error)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenantFlag, "tenant", "", "tenant (required)")
	cmd.Flags().StringVar(&ruleID, "rule", "", "only records for this rule")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func (c *cli) reclaimCmd() *cobra.Command {
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return actions with expired leases to the queue",
		Long: `Reclaim finds actions whose worker lease has expired, counts the lost
attempt, and makes them claimable again. Actions that have used every
attempt are marked failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Queue.ReclaimExpired(ctx, time.Now().UTC(), maxAttempts)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"reclaimed": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d expired leases\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", queue.DefaultRetryPolicy().MaxAttempts, "attempts after which a reclaimed action fails")
	return cmd
}

func (c *cli) rulesCmd() *cobra.Command {
	var tenantFlag string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and toggle a tenant's rules",
	}
	cmd.PersistentFlags().StringVar(&tenantFlag, "tenant", "", "tenant (required)")
	cmd.MarkPersistentFlagRequired("tenant")

	engine := func(a *app.App) (*rules.Engine, error) {
		id, err := parseTenant(tenantFlag)
		if err != nil {
			return nil, err
		}
		return a.Engines.GetEngine(id)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List rules in definition order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				en, err := engine(a)
				if err != nil {
					return err
				}
				list, err := en.ListRules(ctx)
				if err != nil {
					return err
				}
				if c.jsonOutput() {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tEVENT\tENABLED\tSIMULATION\tVERSION\tACTIONS")
				for _, r := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%d\t%d\n",
						r.ID, r.Name, r.EventType, r.Enabled, r.SimulationOnly, r.Version, len(r.Actions))
				}
				return tw.Flush()
			})
		},
	}

	toggle := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " RULE_ID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
					en, err := engine(a)
					if err != nil {
						return err
					}
					r, err := en.UpdateRule(ctx, args[0], rules.Patch{Enabled: &enabled})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "rule %s enabled=%t version=%d\n", r.ID, r.Enabled, r.Version)
					return nil
				})
			},
		}
	}

	var payload, actor string
	simulate := &cobra.Command{
		Use:   "simulate RULE_ID",
		Short: "Dry-run a rule against a JSON payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]any
			if err := json.Unmarshal([]byte(payload), &body); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}
			id, err := parseTenant(tenantFlag)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Dispatcher.Simulate(ctx, id, args[0], body, actor)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	simulate.Flags().StringVar(&payload, "payload", "{}", "event payload as JSON")
	simulate.Flags().StringVar(&actor, "actor", "automationctl", "actor recorded on the simulated event")

	cmd.AddCommand(
		list,
		toggle("enable", "Enable a rule", true),
		toggle("disable", "Disable a rule", false),
		simulate,
	)
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Flag SLA breaches across every tenant with open tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Tickets.SweepAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "flagged %d breached tickets\n", n)
				return nil
			})
		},
	}
}
