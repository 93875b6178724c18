package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/appfoundry/appfoundry/internal/store"
	"github.com/appfoundry/appfoundry/pkg/models"
)

// Event is the provider's webhook envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// subscriptionObject is the subset of the provider's subscription payload
// the service consumes. The organization id travels in metadata.
type subscriptionObject struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Metadata          struct {
		OrgID string `json:"org_id"`
	} `json:"metadata"`
	Items struct {
		Data []struct {
			Price struct {
				ID        string `json:"id"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// Service applies webhook events to the subscription records.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// ProcessEvent handles one verified webhook event. Duplicate deliveries
// are acknowledged without reprocessing. Unhandled event types are
// acknowledged and skipped.
func (s *Service) ProcessEvent(ctx context.Context, event *Event) error {
	marker := &models.ProcessedStripeEvent{
		EventID:     event.ID,
		EventType:   event.Type,
		ProcessedAt: time.Now().UTC(),
	}
	if err := s.store.MarkStripeEventProcessed(ctx, marker); err != nil {
		if store.IsConflict(err) {
			log.Info().Str("event_id", event.ID).Msg("Duplicate webhook event, skipping")
			return nil
		}
		return err
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return s.upsertSubscription(ctx, event)
	case "customer.subscription.deleted":
		return s.deleteSubscription(ctx, event)
	default:
		log.Debug().Str("event_type", event.Type).Msg("Ignoring unhandled webhook event type")
		return nil
	}
}

func (s *Service) upsertSubscription(ctx context.Context, event *Event) error {
	var obj subscriptionObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return fmt.Errorf("parse subscription object: %w", err)
	}
	if obj.Metadata.OrgID == "" {
		return fmt.Errorf("subscription %s carries no org_id metadata", obj.ID)
	}
	if len(obj.Items.Data) == 0 {
		return fmt.Errorf("subscription %s carries no items", obj.ID)
	}

	priceID := obj.Items.Data[0].Price.ID
	plan, err := s.planForPrice(ctx, priceID)
	if err != nil {
		return err
	}

	interval := models.SubscriptionIntervalMonth
	if obj.Items.Data[0].Price.Recurring.Interval == "year" {
		interval = models.SubscriptionIntervalYear
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:                   uuid.New(),
		OrgID:                obj.Metadata.OrgID,
		PlanID:               plan.ID,
		StripeCustomerID:     obj.Customer,
		StripeSubscriptionID: obj.ID,
		Status:               models.SubscriptionStatus(obj.Status),
		Interval:             interval,
		CurrentPeriodEnd:     time.Unix(obj.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:    obj.CancelAtPeriodEnd,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if existing, err := s.store.GetSubscriptionByOrg(ctx, sub.OrgID); err == nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else if !store.IsNotFound(err) {
		return err
	}

	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	log.Info().
		Str("org_id", sub.OrgID).
		Str("plan", plan.Name).
		Str("status", string(sub.Status)).
		Msg("Subscription upserted from webhook")
	return nil
}

func (s *Service) deleteSubscription(ctx context.Context, event *Event) error {
	var obj subscriptionObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return fmt.Errorf("parse subscription object: %w", err)
	}
	if obj.Metadata.OrgID == "" {
		return fmt.Errorf("subscription %s carries no org_id metadata", obj.ID)
	}
	err := s.store.DeleteSubscription(ctx, obj.Metadata.OrgID)
	if store.IsNotFound(err) {
		log.Warn().Str("org_id", obj.Metadata.OrgID).Msg("Deletion webhook for unknown subscription")
		return nil
	}
	if err == nil {
		log.Info().Str("org_id", obj.Metadata.OrgID).Msg("Subscription deleted from webhook")
	}
	return err
}

func (s *Service) planForPrice(ctx context.Context, priceID string) (*models.Plan, error) {
	plans, err := s.store.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		if plans[i].StripeMonthlyPriceID == priceID || plans[i].StripeYearlyPriceID == priceID {
			return &plans[i], nil
		}
	}
	return nil, fmt.Errorf("no plan matches price %s", priceID)
}

// DefaultPlans are the catalog entries seeded into fresh deployments.
// Feature values are limits; -1 means unlimited.
func DefaultPlans() []models.Plan {
	now := time.Now().UTC()
	return []models.Plan{
		{
			ID:   uuid.New(),
			Name: "starter",
			Features: map[string]int{
				"projects":           1,
				"agents":             3,
				"api_calls_monthly":  1000,
				"linked_accounts":    5,
				"developer_seats":    1,
				"log_retention_days": 7,
			},
			IsPublic:  true,
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID:   uuid.New(),
			Name: "team",
			Features: map[string]int{
				"projects":           10,
				"agents":             -1,
				"api_calls_monthly":  100000,
				"linked_accounts":    250,
				"developer_seats":    10,
				"log_retention_days": 90,
			},
			IsPublic:  true,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// PopulatePlans upserts the default plan catalog.
func PopulatePlans(ctx context.Context, st store.Store) error {
	for _, plan := range DefaultPlans() {
		existing, err := st.GetPlanByName(ctx, plan.Name)
		if err == nil {
			// Keep ids and provider references stable across runs.
			plan.ID = existing.ID
			plan.StripeProductID = existing.StripeProductID
			plan.StripeMonthlyPriceID = existing.StripeMonthlyPriceID
			plan.StripeYearlyPriceID = existing.StripeYearlyPriceID
			plan.CreatedAt = existing.CreatedAt
		} else if !store.IsNotFound(err) {
			return err
		}
		if err := st.UpsertPlan(ctx, &plan); err != nil {
			return fmt.Errorf("upsert plan %s: %w", plan.Name, err)
		}
	}
	return nil
}
