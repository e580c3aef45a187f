// Package memory provides an in-memory implementation of the settle.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// Storage implements settle.Storage and settle.Catalog using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	accounts map[string]*settle.Account
	// external account id -> account id
	external map[string]string
	// checkout session id -> order
	orders   map[string]*settle.Order
	audit    map[string]*settle.SubscriptionAuditEvent
	packages map[string]*settle.Package

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		accounts: make(map[string]*settle.Account),
		external: make(map[string]string),
		orders:   make(map[string]*settle.Order),
		audit:    make(map[string]*settle.SubscriptionAuditEvent),
		packages: make(map[string]*settle.Package),
		now:      time.Now,
	}
}

// PutAccount stores a copy of acct, replacing any existing account with the same id.
func (s *Storage) PutAccount(acct *settle.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.accounts[acct.ID]; ok && old.ExternalAccountID != "" {
		delete(s.external, old.ExternalAccountID)
	}
	a := *acct
	s.accounts[a.ID] = &a
	if a.ExternalAccountID != "" {
		s.external[a.ExternalAccountID] = a.ID
	}
}

// PutPackage adds a package to the catalog.
func (s *Storage) PutPackage(pkg *settle.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := *pkg
	s.packages[packageKey(p.OfferSlug, p.ID)] = &p
}

// AuditEvents returns the audit rows recorded for accountID.
func (s *Storage) AuditEvents(accountID string) []settle.SubscriptionAuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []settle.SubscriptionAuditEvent
	for _, e := range s.audit {
		if e.AccountID == accountID {
			out = append(out, *e)
		}
	}
	return out
}

// OrderCount returns the number of stored orders.
func (s *Storage) OrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// GetAccount implements settle.Storage
func (s *Storage) GetAccount(_ context.Context, accountID string) (*settle.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, settle.ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

// GetAccountByExternalID implements settle.Storage
func (s *Storage) GetAccountByExternalID(_ context.Context, externalAccountID string) (*settle.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.external[externalAccountID]
	if !ok {
		return nil, settle.ErrAccountNotFound
	}
	return copyAccount(s.accounts[id]), nil
}

// EnsureAccount implements settle.Storage
func (s *Storage) EnsureAccount(_ context.Context, accountID, email string) (*settle.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[accountID]; ok {
		return copyAccount(acct), nil
	}
	now := s.now().UTC()
	acct := &settle.Account{
		ID:                 accountID,
		Email:              email,
		OnboardingStatus:   settle.OnboardingNotConnected,
		Tier:               settle.TierFree,
		SubscriptionStatus: settle.SubscriptionNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.accounts[accountID] = acct
	return copyAccount(acct), nil
}

// LinkExternalAccount implements settle.Storage
func (s *Storage) LinkExternalAccount(_ context.Context, accountID, externalAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return settle.ErrAccountNotFound
	}
	if acct.ExternalAccountID != "" {
		delete(s.external, acct.ExternalAccountID)
	}
	acct.ExternalAccountID = externalAccountID
	acct.OnboardingStatus = settle.OnboardingPending
	acct.UpdatedAt = s.now().UTC()
	s.external[externalAccountID] = accountID
	return nil
}

// AdvanceOnboarding implements settle.Storage
func (s *Storage) AdvanceOnboarding(
	_ context.Context, externalAccountID string, status settle.OnboardingStatus,
) (*settle.Account, settle.OnboardingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.external[externalAccountID]
	if !ok {
		return nil, "", settle.ErrAccountNotFound
	}
	acct := s.accounts[id]
	previous := acct.OnboardingStatus
	if previous.CanAdvanceTo(status) {
		acct.OnboardingStatus = status
		acct.UpdatedAt = s.now().UTC()
	}
	return copyAccount(acct), previous, nil
}

// ResetOnboarding implements settle.Storage
func (s *Storage) ResetOnboarding(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return settle.ErrAccountNotFound
	}
	if acct.ExternalAccountID != "" {
		delete(s.external, acct.ExternalAccountID)
	}
	acct.ExternalAccountID = ""
	acct.OnboardingStatus = settle.OnboardingNotConnected
	acct.OnboardingGeneration++
	acct.UpdatedAt = s.now().UTC()
	return nil
}

// UpdateSubscription implements settle.Storage
func (s *Storage) UpdateSubscription(
	_ context.Context, accountID string, state settle.SubscriptionState,
) (settle.Tier, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return "", false, settle.ErrAccountNotFound
	}
	if acct.SubscriptionEventAt != nil && acct.SubscriptionEventAt.After(state.EventAt) {
		return acct.Tier, false, nil
	}

	if state.EventID == "" || acct.SubscriptionEventID != state.EventID {
		acct.TierBeforeEvent = acct.Tier
		acct.SubscriptionEventID = state.EventID
	}
	previous := acct.TierBeforeEvent
	acct.Tier = state.Tier
	acct.SubscriptionStatus = state.Status
	acct.SubscriptionExternalID = state.ExternalID
	acct.CurrentPeriodEnd = copyTime(state.CurrentPeriodEnd)
	eventAt := state.EventAt
	acct.SubscriptionEventAt = &eventAt
	acct.UpdatedAt = s.now().UTC()
	return previous, true, nil
}

// InsertSubscriptionAudit implements settle.Storage
func (s *Storage) InsertSubscriptionAudit(_ context.Context, event *settle.SubscriptionAuditEvent) error {
	if event == nil || event.ExternalEventID == "" {
		return fmt.Errorf("invalid audit event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.audit[event.ExternalEventID]; ok {
		return settle.ErrDuplicateEvent
	}
	e := *event
	s.audit[e.ExternalEventID] = &e
	return nil
}

// UpsertOrder implements settle.Storage
func (s *Storage) UpsertOrder(_ context.Context, order *settle.Order) (*settle.Order, error) {
	if order == nil || order.CheckoutSessionID == "" {
		return nil, fmt.Errorf("invalid order")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.orders[order.CheckoutSessionID]
	if !ok {
		o := *order
		s.orders[o.CheckoutSessionID] = &o
		out := o
		return &out, nil
	}

	if order.Status.Rank() >= existing.Status.Rank() {
		merged := *order
		merged.ID = existing.ID
		merged.CreatedAt = existing.CreatedAt
		merged.FulfillmentStatus = existing.FulfillmentStatus
		if merged.PaymentIntentID == "" {
			merged.PaymentIntentID = existing.PaymentIntentID
		}
		merged.UpdatedAt = s.now().UTC()
		s.orders[order.CheckoutSessionID] = &merged
	}
	out := *s.orders[order.CheckoutSessionID]
	return &out, nil
}

// GetOrderBySession implements settle.Storage
func (s *Storage) GetOrderBySession(_ context.Context, checkoutSessionID string) (*settle.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[checkoutSessionID]
	if !ok {
		return nil, settle.ErrOrderNotFound
	}
	out := *o
	return &out, nil
}

// MarkOrderDelivered implements settle.Storage
func (s *Storage) MarkOrderDelivered(_ context.Context, sellerID, orderID string) (*settle.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders {
		if o.ID != orderID || o.SellerID != sellerID {
			continue
		}
		if o.Status != settle.OrderPaid {
			return nil, settle.ErrInvalidTransition
		}
		if o.FulfillmentStatus != settle.FulfillmentDelivered {
			o.FulfillmentStatus = settle.FulfillmentDelivered
			o.UpdatedAt = s.now().UTC()
		}
		out := *o
		return &out, nil
	}
	return nil, settle.ErrOrderNotFound
}

// GetPackage implements settle.Catalog
func (s *Storage) GetPackage(_ context.Context, offerSlug, packageID string) (*settle.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packages[packageKey(offerSlug, packageID)]
	if !ok {
		return nil, settle.ErrOfferNotFound
	}
	out := *p
	return &out, nil
}

func packageKey(offerSlug, packageID string) string {
	return strings.ToLower(offerSlug) + ":" + packageID
}

func copyAccount(a *settle.Account) *settle.Account {
	out := *a
	out.CurrentPeriodEnd = copyTime(a.CurrentPeriodEnd)
	out.SubscriptionEventAt = copyTime(a.SubscriptionEventAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
