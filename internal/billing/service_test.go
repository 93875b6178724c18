package billing_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/appfoundry/appfoundry/internal/billing"
	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

func newBillingFixture(t *testing.T) (*billing.Service, store.Store) {
	t.Helper()
	t.Setenv("APPFOUNDRY_DATA_DIR", t.TempDir())
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	if err := billing.PopulatePlans(context.Background(), st); err != nil {
		t.Fatalf("PopulatePlans() error = %v", err)
	}
	return billing.NewService(st), st
}

func subscriptionEvent(t *testing.T, eventID, eventType, orgID, status, priceID string) *billing.Event {
	t.Helper()
	object := map[string]any{
		"id":                   "sub_1",
		"customer":             "cus_1",
		"status":               status,
		"cancel_at_period_end": false,
		"current_period_end":   time.Now().Add(30 * 24 * time.Hour).Unix(),
		"metadata":             map[string]string{"org_id": orgID},
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": priceID, "recurring": map[string]string{"interval": "month"}}},
			},
		},
	}
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	event := &billing.Event{ID: eventID, Type: eventType}
	event.Data.Object = raw
	return event
}

// attachPrice gives the starter plan a provider price id so events can
// resolve it.
func attachPrice(t *testing.T, st store.Store, priceID string) {
	t.Helper()
	ctx := context.Background()
	plan, err := st.GetPlanByName(ctx, "starter")
	if err != nil {
		t.Fatalf("GetPlanByName() error = %v", err)
	}
	plan.StripeMonthlyPriceID = priceID
	if err := st.UpsertPlan(ctx, plan); err != nil {
		t.Fatalf("UpsertPlan() error = %v", err)
	}
}

func TestProcessEvent_SubscriptionCreated(t *testing.T) {
	svc, st := newBillingFixture(t)
	ctx := context.Background()
	attachPrice(t, st, "price_starter_m")

	event := subscriptionEvent(t, "evt_1", "customer.subscription.created", "org_42", "active", "price_starter_m")
	if err := svc.ProcessEvent(ctx, event); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}

	sub, err := st.GetSubscriptionByOrg(ctx, "org_42")
	if err != nil {
		t.Fatalf("GetSubscriptionByOrg() error = %v", err)
	}
	if sub.Status != models.SubscriptionStatusActive {
		t.Errorf("Status = %q, want active", sub.Status)
	}
	if sub.Interval != models.SubscriptionIntervalMonth {
		t.Errorf("Interval = %q, want month", sub.Interval)
	}
}

func TestProcessEvent_DuplicateDeliveryIsIgnored(t *testing.T) {
	svc, st := newBillingFixture(t)
	ctx := context.Background()
	attachPrice(t, st, "price_starter_m")

	event := subscriptionEvent(t, "evt_dup", "customer.subscription.created", "org_1", "active", "price_starter_m")
	if err := svc.ProcessEvent(ctx, event); err != nil {
		t.Fatalf("ProcessEvent() first delivery error = %v", err)
	}

	// Same event id with a different status must not change anything.
	replay := subscriptionEvent(t, "evt_dup", "customer.subscription.updated", "org_1", "canceled", "price_starter_m")
	if err := svc.ProcessEvent(ctx, replay); err != nil {
		t.Fatalf("ProcessEvent() replay error = %v", err)
	}

	sub, _ := st.GetSubscriptionByOrg(ctx, "org_1")
	if sub.Status != models.SubscriptionStatusActive {
		t.Errorf("Status after replay = %q, want active", sub.Status)
	}
}

func TestProcessEvent_UpdateKeepsIdentity(t *testing.T) {
	svc, st := newBillingFixture(t)
	ctx := context.Background()
	attachPrice(t, st, "price_starter_m")

	created := subscriptionEvent(t, "evt_a", "customer.subscription.created", "org_2", "trialing", "price_starter_m")
	if err := svc.ProcessEvent(ctx, created); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	first, _ := st.GetSubscriptionByOrg(ctx, "org_2")

	updated := subscriptionEvent(t, "evt_b", "customer.subscription.updated", "org_2", "active", "price_starter_m")
	if err := svc.ProcessEvent(ctx, updated); err != nil {
		t.Fatalf("ProcessEvent() update error = %v", err)
	}
	second, _ := st.GetSubscriptionByOrg(ctx, "org_2")

	if first.ID != second.ID {
		t.Errorf("subscription id changed on update: %s then %s", first.ID, second.ID)
	}
	if second.Status != models.SubscriptionStatusActive {
		t.Errorf("Status = %q, want active", second.Status)
	}
}

func TestProcessEvent_SubscriptionDeleted(t *testing.T) {
	svc, st := newBillingFixture(t)
	ctx := context.Background()
	attachPrice(t, st, "price_starter_m")

	created := subscriptionEvent(t, "evt_c", "customer.subscription.created", "org_3", "active", "price_starter_m")
	if err := svc.ProcessEvent(ctx, created); err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	deleted := subscriptionEvent(t, "evt_d", "customer.subscription.deleted", "org_3", "canceled", "price_starter_m")
	if err := svc.ProcessEvent(ctx, deleted); err != nil {
		t.Fatalf("ProcessEvent() delete error = %v", err)
	}

	if _, err := st.GetSubscriptionByOrg(ctx, "org_3"); !store.IsNotFound(err) {
		t.Errorf("subscription still present after deletion event: %v", err)
	}
}

func TestProcessEvent_UnknownPrice(t *testing.T) {
	svc, _ := newBillingFixture(t)
	ctx := context.Background()

	event := subscriptionEvent(t, "evt_e", "customer.subscription.created", "org_4", "active", "price_unknown")
	if err := svc.ProcessEvent(ctx, event); err == nil {
		t.Error("ProcessEvent() with unknown price = nil error, want error")
	}
}

func TestProcessEvent_UnhandledTypeIsAcknowledged(t *testing.T) {
	svc, _ := newBillingFixture(t)
	event := &billing.Event{ID: "evt_f", Type: "invoice.paid"}
	event.Data.Object = json.RawMessage(`{}`)
	if err := svc.ProcessEvent(context.Background(), event); err != nil {
		t.Errorf("ProcessEvent() unhandled type error = %v, want nil", err)
	}
}

func TestPopulatePlans_Idempotent(t *testing.T) {
	_, st := newBillingFixture(t)
	ctx := context.Background()

	before, err := st.GetPlanByName(ctx, "starter")
	if err != nil {
		t.Fatalf("GetPlanByName() error = %v", err)
	}
	if err := billing.PopulatePlans(ctx, st); err != nil {
		t.Fatalf("PopulatePlans() second run error = %v", err)
	}
	after, err := st.GetPlanByName(ctx, "starter")
	if err != nil {
		t.Fatalf("GetPlanByName() error = %v", err)
	}
	if before.ID != after.ID {
		t.Errorf("plan id changed across runs: %s then %s", before.ID, after.ID)
	}

	plans, err := st.ListPlans(ctx)
	if err != nil {
		t.Fatalf("ListPlans() error = %v", err)
	}
	if len(plans) != 2 {
		t.Errorf("ListPlans() returned %d plans, want 2", len(plans))
	}
	for _, plan := range plans {
		if plan.Name != "starter" && plan.Name != "team" {
			t.Errorf("unexpected plan %q", plan.Name)
		}
	}
}
