package event

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/tenant"
)

func TestValidate(t *testing.T) {
	acme := tenant.MustNew("acme")

	testCases := []struct {
		name      string
		ev        Event
		wantField string
	}{
		{name: "valid", ev: Event{Type: "ticket.created", TenantID: acme}},
		{name: "missing type", ev: Event{TenantID: acme}, wantField: "type"},
		{name: "blank type", ev: Event{Type: "  ", TenantID: acme}, wantField: "type"},
		{name: "missing tenant", ev: Event{Type: "ticket.created"}, wantField: "tenantId"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if verr.Field != tc.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tc.wantField)
			}
		})
	}
}

func TestBusDeliversToEverySubscriberInOrder(t *testing.T) {
	bus := NewBus(logger.Discard())

	var order []string
	bus.Subscribe(HandlerFunc(func(ctx context.Context, ev Event) error {
		order = append(order, "first:"+ev.Type)
		return nil
	}))
	bus.Subscribe(HandlerFunc(func(ctx context.Context, ev Event) error {
		order = append(order, "second:"+ev.Type)
		return nil
	}))

	ev := New(tenant.MustNew("acme"), "vendor_bill.posted", nil, time.Now())
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	want := []string{"first:vendor_bill.posted", "second:vendor_bill.posted"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestBusHidesSubscriberFailures(t *testing.T) {
	bus := NewBus(logger.Discard())

	reached := false
	bus.Subscribe(HandlerFunc(func(ctx context.Context, ev Event) error {
		return errors.New("rule store unavailable")
	}))
	bus.Subscribe(HandlerFunc(func(ctx context.Context, ev Event) error {
		panic("boom")
	}))
	bus.Subscribe(HandlerFunc(func(ctx context.Context, ev Event) error {
		reached = true
		return nil
	}))

	err := bus.Publish(context.Background(), Event{Type: "attendance.signal", TenantID: tenant.MustNew("acme")})
	if err != nil {
		t.Fatalf("Publish should not surface subscriber failures, got %v", err)
	}
	if !reached {
		t.Error("later subscribers should still receive the event")
	}
}

func TestBusRejectsInvalidEvent(t *testing.T) {
	bus := NewBus(logger.Discard())
	called := false
	bus.Subscribe(HandlerFunc(func(ctx context.Context, ev Event) error {
		called = true
		return nil
	}))

	if err := bus.Publish(context.Background(), Event{Type: "x"}); err == nil {
		t.Fatal("expected validation error")
	}
	if called {
		t.Error("invalid events must not reach subscribers")
	}
}

func TestBusFillsEnvelopeDefaults(t *testing.T) {
	bus := NewBus(logger.Discard())
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	var got Event
	bus.Subscribe(HandlerFunc(func(ctx context.Context, ev Event) error {
		got = ev
		return nil
	}))

	if err := bus.Publish(context.Background(), Event{Type: "x", TenantID: tenant.MustNew("acme")}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got.ID == "" {
		t.Error("ID should be generated")
	}
	if !got.OccurredAt.Equal(fixed) {
		t.Errorf("OccurredAt = %v, want %v", got.OccurredAt, fixed)
	}
	if got.Payload == nil {
		t.Error("Payload should default to an empty map")
	}
}
