// Package billing implements the per-user billing state machine: lazy
// subscription creation, free-tier gating on every access check, and the
// payment-order lifecycle settled by polling or webhook.
package billing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"pinvault/internal/config"
	"pinvault/internal/faults"
	"pinvault/internal/logging"
	"pinvault/internal/payments"
	"pinvault/internal/store"
	"pinvault/internal/usage"
)

// State is the billing state evaluated per access check.
type State string

const (
	StateWithinFreeTier   State = "WITHIN_FREE_TIER"
	StateExceedsUnblocked State = "EXCEEDS_FREE_TIER_UNBLOCKED"
	StateBillingDue       State = "BILLING_DUE_BLOCKED"
	StatePaidActive       State = "PAID_ACTIVE"
)

// Reason codes attached to access decisions.
const (
	ReasonOK               = "OK"
	ReasonFreeTierExceeded = "FREE_TIER_EXCEEDED"
	ReasonBillingDue       = faults.CodeBillingDue
)

// maxBillingDay caps the stored billing day so every month has a matching
// date; accounts created on the 29th-31st bill on the 28th.
const maxBillingDay = 28

// Decision is the outcome of one access-check evaluation.
type Decision struct {
	Allowed       bool           `json:"allowed"`
	State         State          `json:"state"`
	Reason        string         `json:"reason"`
	Warning       string         `json:"warning,omitempty"`
	Figures       *usage.Figures `json:"figures"`
	BillingDay    int            `json:"billing_day"`
	NextBillingAt time.Time      `json:"next_billing_at"`
	PeriodStart   time.Time      `json:"period_start"`
	PeriodEnd     time.Time      `json:"period_end"`
}

// Service is the billing state machine. All read-evaluate-write cycles for a
// user run under that user's lock so concurrent access checks cannot decide
// on stale flags.
type Service struct {
	store    store.Store
	meter    *usage.Meter
	provider payments.Client
	cfg      config.BillingConfig
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the billing service.
func NewService(st store.Store, meter *usage.Meter, provider payments.Client, cfg config.BillingConfig) *Service {
	return &Service{
		store:    st,
		meter:    meter,
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source (tests only).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) lockOwner(ownerID string) func() {
	s.mu.Lock()
	m, ok := s.locks[ownerID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[ownerID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// ensureAccount lazily creates the subscription and billing info rows on the
// first billing-relevant check for a user.
func (s *Service) ensureAccount(ctx context.Context, ownerID string) (*store.Subscription, *store.BillingInfo, error) {
	sub, err := s.store.GetSubscription(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		now := s.now().UTC()
		day := now.Day()
		if day > maxBillingDay {
			day = maxBillingDay
		}
		sub = &store.Subscription{
			OwnerID:       ownerID,
			BillingDay:    day,
			NextBillingAt: nextOnDay(now, day),
			CreatedAt:     now,
		}
		if err := s.store.InsertSubscription(ctx, sub); err != nil {
			return nil, nil, err
		}
		logging.Internal.Printf("created subscription for %s (billing day %d)", ownerID, day)
	} else if err != nil {
		return nil, nil, err
	}

	info, err := s.store.GetBillingInfo(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		info = &store.BillingInfo{OwnerID: ownerID}
		if err := s.store.InsertBillingInfo(ctx, info); err != nil {
			return nil, nil, err
		}
	} else if err != nil {
		return nil, nil, err
	}
	return sub, info, nil
}

// nextOnDay returns the first date strictly after "from" that falls on the
// given day of month.
func nextOnDay(from time.Time, day int) time.Time {
	next := time.Date(from.Year(), from.Month(), day, 0, 0, 0, 0, time.UTC)
	if !next.After(from) {
		next = time.Date(from.Year(), from.Month()+1, day, 0, 0, 0, 0, time.UTC)
	}
	return next
}

// advanceCycle moves a billing date one month forward onto the same day.
// Safe because the stored day never exceeds 28.
func advanceCycle(from time.Time, day int) time.Time {
	return time.Date(from.Year(), from.Month()+1, day, 0, 0, 0, 0, time.UTC)
}

func periodStart(end time.Time, day int) time.Time {
	return time.Date(end.Year(), end.Month()-1, day, 0, 0, 0, 0, time.UTC)
}

// EvaluateAccess runs the state machine for one user and persists any flag
// change it decides on.
func (s *Service) EvaluateAccess(ctx context.Context, ownerID string) (*Decision, error) {
	unlock := s.lockOwner(ownerID)
	defer unlock()
	return s.evaluateLocked(ctx, ownerID)
}

func (s *Service) evaluateLocked(ctx context.Context, ownerID string) (*Decision, error) {
	sub, info, err := s.ensureAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	figures, err := s.meter.Figures(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Figures:       figures,
		BillingDay:    sub.BillingDay,
		NextBillingAt: sub.NextBillingAt,
		PeriodStart:   periodStart(sub.NextBillingAt, sub.BillingDay),
		PeriodEnd:     sub.NextBillingAt,
	}

	overTier := figures.PinnedBytes > figures.FreeTierBytes
	today := s.now().UTC()

	switch {
	case info.PaymentMethodAdded:
		d.State = StatePaidActive
		d.Allowed = true
		d.Reason = ReasonOK
	case !overTier:
		d.State = StateWithinFreeTier
		d.Allowed = true
		d.Reason = ReasonOK
	case today.Day() == sub.BillingDay:
		d.State = StateBillingDue
		d.Allowed = false
		d.Reason = ReasonBillingDue
	default:
		d.State = StateExceedsUnblocked
		d.Allowed = true
		d.Reason = ReasonOK
		d.Warning = ReasonFreeTierExceeded
	}

	blocked := d.State == StateBillingDue
	if info.ServicesBlocked != blocked {
		if err := s.store.SetBillingFlags(ctx, ownerID, info.PaymentMethodAdded, blocked); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Gate returns nil when the user may run a privileged operation, or a
// BILLING_DUE_UNPAID fault when access is denied.
func (s *Service) Gate(ctx context.Context, ownerID string) error {
	d, err := s.EvaluateAccess(ctx, ownerID)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return faults.BillingDue("services blocked pending payment")
	}
	return nil
}

// CreateOrder opens a PENDING payment order for the user's current charge.
// The provider order is created first; nothing is persisted if it fails.
func (s *Service) CreateOrder(ctx context.Context, ownerID string) (*store.PaymentOrder, error) {
	unlock := s.lockOwner(ownerID)
	defer unlock()

	sub, _, err := s.ensureAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	figures, err := s.meter.Figures(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if figures.CostCents == 0 {
		return nil, faults.Validation("no charge due for %s", ownerID)
	}

	po, err := s.provider.CreateOrder(ctx, figures.CostCents, s.cfg.Currency, ownerID)
	if err != nil {
		return nil, faults.PaymentProvider(err, "create order")
	}

	order := &store.PaymentOrder{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ExternalID:  po.Ref,
		AmountCents: figures.CostCents,
		Currency:    s.cfg.Currency,
		Status:      store.OrderPending,
		PeriodStart: periodStart(sub.NextBillingAt, sub.BillingDay),
		PeriodEnd:   sub.NextBillingAt,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.InsertOrder(ctx, order); err != nil {
		return nil, err
	}
	logging.Pay.Printf("order %s opened for %s (%d cents)", order.ID, ownerID, order.AmountCents)
	return order, nil
}

// RefreshOrder polls the provider for a pending order and applies the
// resulting transition. Terminal orders are returned unchanged.
func (s *Service) RefreshOrder(ctx context.Context, orderID string) (*store.PaymentOrder, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, faults.NotFound("order %s", orderID)
	}
	if err != nil {
		return nil, err
	}
	if order.Status != store.OrderPending {
		return order, nil
	}

	po, err := s.provider.FetchOrder(ctx, order.ExternalID)
	if err != nil {
		return nil, faults.PaymentProvider(err, "fetch order %s", order.ExternalID)
	}
	return s.applyTransition(ctx, order, po.Status)
}

// HandleWebhook verifies and applies a provider notification. The webhook
// path and the poll path share the same transition function.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, headers http.Header) error {
	note, err := s.provider.VerifyWebhook(body, headers)
	if err != nil {
		return faults.PaymentProvider(err, "webhook")
	}

	order, err := s.store.GetOrderByExternalID(ctx, note.OrderRef)
	if errors.Is(err, store.ErrNotFound) {
		// Not an error: the provider may notify about orders we never
		// created (e.g. replayed test events).
		logging.Pay.Printf("webhook for unknown order %s ignored", note.OrderRef)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.applyTransition(ctx, order, note.Status)
	return err
}

// applyTransition applies a provider-reported status under the owner's lock.
// Re-applying a terminal status is a no-op, which makes the poll and webhook
// paths safe to race.
func (s *Service) applyTransition(ctx context.Context, order *store.PaymentOrder, status string) (*store.PaymentOrder, error) {
	unlock := s.lockOwner(order.OwnerID)
	defer unlock()

	// Re-read under the lock; the other settlement path may have won.
	current, err := s.store.GetOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != store.OrderPending || status == store.OrderPending {
		return current, nil
	}

	switch status {
	case payments.StatusPaid:
		if err := s.store.SetOrderStatus(ctx, current.ID, store.OrderPaid); err != nil {
			return nil, err
		}
		if err := s.store.SetBillingFlags(ctx, current.OwnerID, true, false); err != nil {
			return nil, err
		}
		sub, err := s.store.GetSubscription(ctx, current.OwnerID)
		if err != nil {
			return nil, err
		}
		next := advanceCycle(sub.NextBillingAt, sub.BillingDay)
		if err := s.store.UpdateNextBilling(ctx, current.OwnerID, next); err != nil {
			return nil, err
		}
		current.Status = store.OrderPaid
		logging.Pay.Printf("order %s settled; next billing %s", current.ID, next.Format("2006-01-02"))
	case payments.StatusFailed:
		if err := s.store.SetOrderStatus(ctx, current.ID, store.OrderFailed); err != nil {
			return nil, err
		}
		current.Status = store.OrderFailed
	case payments.StatusCancelled:
		if err := s.store.SetOrderStatus(ctx, current.ID, store.OrderCancelled); err != nil {
			return nil, err
		}
		current.Status = store.OrderCancelled
	}
	return current, nil
}

// RecoverPending re-polls orders left PENDING across a restart so payments
// confirmed while the service was down still settle.
func (s *Service) RecoverPending(ctx context.Context) error {
	orders, err := s.store.ListPendingOrders(ctx)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if _, err := s.RefreshOrder(ctx, order.ID); err != nil {
			logging.Pay.Printf("failed to refresh pending order %s: %v", order.ID, err)
		}
	}
	return nil
}
