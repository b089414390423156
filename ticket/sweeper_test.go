package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/liamcoop/automation/tenant"
)

func TestSweepAllCoversEveryTenantWithOpenTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "P1")

	other := tenant.MustNew("globex")
	if err := f.svc.policies.Put(ctx, SLAPolicy{
		ID: "g1", TenantID: other, Priority: "P1",
		ResponseMinutes: 10, ResolutionMinutes: 60,
	}); err != nil {
		t.Fatalf("Put policy failed: %v", err)
	}
	if _, err := f.svc.Create(ctx, NewTicket{TenantID: other, Title: "VPN down", Priority: "P1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	tenants, err := f.store.OpenTenants(ctx)
	if err != nil {
		t.Fatalf("OpenTenants failed: %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("OpenTenants = %v, want 2 tenants", tenants)
	}

	f.now = f.now.Add(3 * time.Hour)
	n, err := f.svc.SweepAll(ctx)
	if err != nil {
		t.Fatalf("SweepAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("SweepAll flagged %d tickets, want 2", n)
	}

	n, _ = f.svc.SweepAll(ctx)
	if n != 0 {
		t.Errorf("second sweep flagged %d tickets, want 0", n)
	}
}

func TestOpenTenantsSkipsClosedWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.create(t, "P1")

	for _, to := range []Status{StatusAcknowledged, StatusInProgress, StatusResolved} {
		if _, _, err := f.svc.Transition(ctx, f.tenant, tk.ID, to, "eng-1"); err != nil {
			t.Fatalf("Transition to %s failed: %v", to, err)
		}
	}

	tenants, err := f.store.OpenTenants(ctx)
	if err != nil {
		t.Fatalf("OpenTenants failed: %v", err)
	}
	if len(tenants) != 0 {
		t.Errorf("OpenTenants = %v, want none", tenants)
	}
}
