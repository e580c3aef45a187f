package settle

import (
	"context"
	"errors"
	"time"
)

// MeteredStorage wraps a Storage and records the duration of every call.
// Not-found, duplicate and rejected-transition results are expected outcomes
// and are not counted as errors.
type MeteredStorage struct {
	storage Storage
	metrics Metrics
}

var _ Storage = (*MeteredStorage)(nil)

// NewMeteredStorage wraps storage. A nil metrics returns storage unchanged.
func NewMeteredStorage(storage Storage, metrics Metrics) Storage {
	if metrics == nil {
		return storage
	}
	return &MeteredStorage{storage: storage, metrics: metrics}
}

func (s *MeteredStorage) record(operation string, start time.Time, err error) {
	if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrDuplicateEvent) || errors.Is(err, ErrInvalidTransition) {
		err = nil
	}
	s.metrics.RecordStorageOperation(operation, time.Since(start), err)
}

func (s *MeteredStorage) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	start := time.Now()
	acct, err := s.storage.GetAccount(ctx, accountID)
	s.record("get_account", start, err)
	return acct, err
}

func (s *MeteredStorage) GetAccountByExternalID(ctx context.Context, externalAccountID string) (*Account, error) {
	start := time.Now()
	acct, err := s.storage.GetAccountByExternalID(ctx, externalAccountID)
	s.record("get_account_by_external_id", start, err)
	return acct, err
}

func (s *MeteredStorage) EnsureAccount(ctx context.Context, accountID, email string) (*Account, error) {
	start := time.Now()
	acct, err := s.storage.EnsureAccount(ctx, accountID, email)
	s.record("ensure_account", start, err)
	return acct, err
}

func (s *MeteredStorage) LinkExternalAccount(ctx context.Context, accountID, externalAccountID string) error {
	start := time.Now()
	err := s.storage.LinkExternalAccount(ctx, accountID, externalAccountID)
	s.record("link_external_account", start, err)
	return err
}

func (s *MeteredStorage) AdvanceOnboarding(
	ctx context.Context, externalAccountID string, status OnboardingStatus,
) (*Account, OnboardingStatus, error) {
	start := time.Now()
	acct, previous, err := s.storage.AdvanceOnboarding(ctx, externalAccountID, status)
	s.record("advance_onboarding", start, err)
	return acct, previous, err
}

func (s *MeteredStorage) ResetOnboarding(ctx context.Context, accountID string) error {
	start := time.Now()
	err := s.storage.ResetOnboarding(ctx, accountID)
	s.record("reset_onboarding", start, err)
	return err
}

func (s *MeteredStorage) UpdateSubscription(
	ctx context.Context, accountID string, state SubscriptionState,
) (Tier, bool, error) {
	start := time.Now()
	previous, applied, err := s.storage.UpdateSubscription(ctx, accountID, state)
	s.record("update_subscription", start, err)
	return previous, applied, err
}

func (s *MeteredStorage) InsertSubscriptionAudit(ctx context.Context, event *SubscriptionAuditEvent) error {
	start := time.Now()
	err := s.storage.InsertSubscriptionAudit(ctx, event)
	s.record("insert_subscription_audit", start, err)
	return err
}

func (s *MeteredStorage) UpsertOrder(ctx context.Context, order *Order) (*Order, error) {
	start := time.Now()
	stored, err := s.storage.UpsertOrder(ctx, order)
	s.record("upsert_order", start, err)
	return stored, err
}

func (s *MeteredStorage) GetOrderBySession(ctx context.Context, checkoutSessionID string) (*Order, error) {
	start := time.Now()
	order, err := s.storage.GetOrderBySession(ctx, checkoutSessionID)
	s.record("get_order_by_session", start, err)
	return order, err
}

func (s *MeteredStorage) MarkOrderDelivered(ctx context.Context, sellerID, orderID string) (*Order, error) {
	start := time.Now()
	order, err := s.storage.MarkOrderDelivered(ctx, sellerID, orderID)
	s.record("mark_order_delivered", start, err)
	return order, err
}
