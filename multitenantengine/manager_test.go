package multitenantengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/automation/action"
	"github.com/liamcoop/automation/condition"
	"github.com/liamcoop/automation/event"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/tenant"
)

var (
	tenantA = tenant.MustNew("tenant-a")
	tenantB = tenant.MustNew("tenant-b")
)

func rule(id string) *rules.Rule {
	return &rules.Rule{
		ID:        id,
		Name:      id,
		EventType: "ticket.created",
		Condition: condition.Leaf("priority", condition.OpEq, "P1"),
		Actions:   []action.Template{{Type: action.TypeNotify, Params: map[string]any{"message": "hi"}}},
		Enabled:   true,
	}
}

func TestMultiTenantEngineManager_GetEngineIsLazyAndCached(t *testing.T) {
	m := NewMultiTenantEngineManager(rules.NewMemoryProvider(), nil)

	if len(m.ListTenants()) != 0 {
		t.Fatal("no engines should exist before first use")
	}
	first, err := m.GetEngine(tenantA)
	if err != nil {
		t.Fatalf("GetEngine() failed: %v", err)
	}
	second, err := m.GetEngine(tenantA)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("GetEngine() should return the cached engine")
	}
	if first.TenantID() != tenantA {
		t.Errorf("engine tenant = %v, want tenant-a", first.TenantID())
	}
}

func TestMultiTenantEngineManager_GetEngineZeroTenant(t *testing.T) {
	m := NewMultiTenantEngineManager(rules.NewMemoryProvider(), nil)
	if _, err := m.GetEngine(tenant.ID{}); !errors.Is(err, tenant.ErrMissingTenant) {
		t.Errorf("GetEngine(zero) = %v, want ErrMissingTenant", err)
	}
}

func TestMultiTenantEngineManager_TenantIsolation(t *testing.T) {
	m := NewMultiTenantEngineManager(rules.NewMemoryProvider(), nil)
	ctx := context.Background()

	engineA, _ := m.GetEngine(tenantA)
	engineB, _ := m.GetEngine(tenantB)
	if _, err := engineA.AddRule(ctx, rule("a-rule")); err != nil {
		t.Fatal(err)
	}

	payload := map[string]any{"priority": "P1"}
	evalsA, err := engineA.Match(ctx, event.New(tenantA, "ticket.created", payload, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	evalsB, err := engineB.Match(ctx, event.New(tenantB, "ticket.created", payload, time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if len(evalsA) != 1 || len(evalsB) != 0 {
		t.Errorf("tenant A got %d evaluations, tenant B got %d; want 1 and 0", len(evalsA), len(evalsB))
	}
}

func TestMultiTenantEngineManager_InvalidateRebuilds(t *testing.T) {
	m := NewMultiTenantEngineManager(rules.NewMemoryProvider(), nil)
	ctx := context.Background()

	before, _ := m.GetEngine(tenantA)
	if _, err := before.AddRule(ctx, rule("r1")); err != nil {
		t.Fatal(err)
	}
	m.Invalidate(tenantA)

	after, _ := m.GetEngine(tenantA)
	if before == after {
		t.Fatal("Invalidate() should force a new engine")
	}
	got, err := after.ListRules(ctx)
	if err != nil || len(got) != 1 {
		t.Errorf("rebuilt engine should see stored rules: %v, %v", got, err)
	}
}

func TestMultiTenantEngineManager_CacheFactory(t *testing.T) {
	var built []tenant.ID
	m := NewMultiTenantEngineManager(rules.NewMemoryProvider(), nil).
		WithCacheFactory(func(id tenant.ID) rules.RulesCache {
			built = append(built, id)
			return rules.NewInMemoryRulesCache(rules.CacheConfig{})
		})
	if _, err := m.GetEngine(tenantA); err != nil {
		t.Fatal(err)
	}
	if len(built) != 1 || built[0] != tenantA {
		t.Errorf("cache factory calls = %v", built)
	}
}

func TestMultiTenantEngineManager_DeleteTenant(t *testing.T) {
	m := NewMultiTenantEngineManager(rules.NewMemoryProvider(), nil)
	if _, err := m.CreateTenant(tenantA); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteTenant(tenantA); err != nil {
		t.Fatalf("DeleteTenant() failed: %v", err)
	}
	if err := m.DeleteTenant(tenantA); err == nil {
		t.Error("deleting an unloaded tenant should fail")
	}
}

func TestMultiTenantEngineManager_Concurrency(t *testing.T) {
	m := NewMultiTenantEngineManager(rules.NewMemoryProvider(), nil)
	var wg sync.WaitGroup
	engines := make([]*rules.Engine, 50)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := m.GetEngine(tenantA)
			if err != nil {
				t.Error(err)
				return
			}
			engines[i] = e
		}(i)
	}
	wg.Wait()
	for _, e := range engines[1:] {
		if e != engines[0] {
			t.Fatal("concurrent GetEngine() built more than one engine")
		}
	}
	if got := m.ListTenants(); len(got) != 1 {
		t.Errorf("ListTenants() = %v", got)
	}
}
