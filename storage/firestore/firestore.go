// Package firestore provides a Firestore implementation of the settle.Storage and settle.Catalog interfaces.
// Conditional writes run inside Firestore transactions; audit rows use Create so a
// redelivered event fails with AlreadyExists.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gosettle/pkg/settle"
)

// Storage implements settle.Storage and settle.Catalog using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	accountsCollection string
	ordersCollection   string
	auditCollection    string
	packagesCollection string
	now                func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// AccountsCollection is the Firestore collection for accounts
	// Default: "settle_accounts"
	AccountsCollection string

	// OrdersCollection is the Firestore collection for orders, keyed by checkout session id
	// Default: "settle_orders"
	OrdersCollection string

	// AuditCollection is the Firestore collection for subscription audit rows, keyed by event id
	// Default: "settle_subscription_events"
	AuditCollection string

	// PackagesCollection is the Firestore collection for offer packages
	// Default: "settle_packages"
	PackagesCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.AccountsCollection == "" {
		config.AccountsCollection = "settle_accounts"
	}
	if config.OrdersCollection == "" {
		config.OrdersCollection = "settle_orders"
	}
	if config.AuditCollection == "" {
		config.AuditCollection = "settle_subscription_events"
	}
	if config.PackagesCollection == "" {
		config.PackagesCollection = "settle_packages"
	}

	return &Storage{
		client:             client,
		accountsCollection: config.AccountsCollection,
		ordersCollection:   config.OrdersCollection,
		auditCollection:    config.AuditCollection,
		packagesCollection: config.PackagesCollection,
		now:                time.Now,
	}, nil
}

// GetAccount implements settle.Storage
func (s *Storage) GetAccount(ctx context.Context, accountID string) (*settle.Account, error) {
	snap, err := s.accountDoc(accountID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, settle.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if !snap.Exists() {
		return nil, settle.ErrAccountNotFound
	}
	return accountFromData(snap.Ref.ID, snap.Data()), nil
}

// GetAccountByExternalID implements settle.Storage
func (s *Storage) GetAccountByExternalID(ctx context.Context, externalAccountID string) (*settle.Account, error) {
	snap, err := firstDoc(s.externalQuery(externalAccountID).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get account by external id: %w", err)
	}
	if snap == nil {
		return nil, settle.ErrAccountNotFound
	}
	return accountFromData(snap.Ref.ID, snap.Data()), nil
}

// EnsureAccount implements settle.Storage
func (s *Storage) EnsureAccount(ctx context.Context, accountID, email string) (*settle.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required")
	}

	now := s.now().UTC()
	_, err := s.accountDoc(accountID).Create(ctx, map[string]interface{}{
		"email":                  email,
		"externalAccountId":      "",
		"onboardingStatus":       string(settle.OnboardingNotConnected),
		"tier":                   string(settle.TierFree),
		"subscriptionExternalId": "",
		"subscriptionStatus":     string(settle.SubscriptionNone),
		"createdAt":              now,
		"updatedAt":              now,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return s.GetAccount(ctx, accountID)
}

// LinkExternalAccount implements settle.Storage
func (s *Storage) LinkExternalAccount(ctx context.Context, accountID, externalAccountID string) error {
	_, err := s.accountDoc(accountID).Update(ctx, []firestore.Update{
		{Path: "externalAccountId", Value: externalAccountID},
		{Path: "onboardingStatus", Value: string(settle.OnboardingPending)},
		{Path: "updatedAt", Value: s.now().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return settle.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to link external account: %w", err)
	}
	return nil
}

// AdvanceOnboarding implements settle.Storage
func (s *Storage) AdvanceOnboarding(
	ctx context.Context, externalAccountID string, next settle.OnboardingStatus,
) (*settle.Account, settle.OnboardingStatus, error) {
	var acct *settle.Account
	var previous settle.OnboardingStatus

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := firstDoc(tx.Documents(s.externalQuery(externalAccountID)))
		if err != nil {
			return err
		}
		if snap == nil {
			return settle.ErrAccountNotFound
		}

		acct = accountFromData(snap.Ref.ID, snap.Data())
		previous = acct.OnboardingStatus
		if !previous.CanAdvanceTo(next) {
			return nil
		}
		acct.OnboardingStatus = next
		acct.UpdatedAt = s.now().UTC()
		return tx.Update(snap.Ref, []firestore.Update{
			{Path: "onboardingStatus", Value: string(next)},
			{Path: "updatedAt", Value: acct.UpdatedAt},
		})
	})
	if errors.Is(err, settle.ErrAccountNotFound) {
		return nil, "", err
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to advance onboarding: %w", err)
	}
	return acct, previous, nil
}

// ResetOnboarding implements settle.Storage
func (s *Storage) ResetOnboarding(ctx context.Context, accountID string) error {
	_, err := s.accountDoc(accountID).Update(ctx, []firestore.Update{
		{Path: "externalAccountId", Value: ""},
		{Path: "onboardingStatus", Value: string(settle.OnboardingNotConnected)},
		{Path: "onboardingGeneration", Value: firestore.Increment(1)},
		{Path: "updatedAt", Value: s.now().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return settle.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to reset onboarding: %w", err)
	}
	return nil
}

// UpdateSubscription implements settle.Storage
func (s *Storage) UpdateSubscription(
	ctx context.Context, accountID string, state settle.SubscriptionState,
) (settle.Tier, bool, error) {
	applied := false
	var previous settle.Tier
	doc := s.accountDoc(accountID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		applied = false
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return settle.ErrAccountNotFound
		}
		if err != nil {
			return err
		}

		data := snap.Data()
		previous = settle.Tier(getString(data, "tier"))
		if stored, ok := data["subscriptionEventAt"].(time.Time); ok && stored.After(state.EventAt) {
			return nil
		}
		if state.EventID != "" && getString(data, "subscriptionEventId") == state.EventID {
			previous = settle.Tier(getString(data, "tierBeforeEvent"))
		}

		var periodEnd interface{}
		if state.CurrentPeriodEnd != nil {
			periodEnd = state.CurrentPeriodEnd.UTC()
		}
		applied = true
		return tx.Update(doc, []firestore.Update{
			{Path: "tier", Value: string(state.Tier)},
			{Path: "subscriptionStatus", Value: string(state.Status)},
			{Path: "subscriptionExternalId", Value: state.ExternalID},
			{Path: "currentPeriodEnd", Value: periodEnd},
			{Path: "subscriptionEventAt", Value: state.EventAt.UTC()},
			{Path: "subscriptionEventId", Value: state.EventID},
			{Path: "tierBeforeEvent", Value: string(previous)},
			{Path: "updatedAt", Value: s.now().UTC()},
		})
	})
	if errors.Is(err, settle.ErrAccountNotFound) {
		return "", false, err
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to update subscription: %w", err)
	}
	return previous, applied, nil
}

// InsertSubscriptionAudit implements settle.Storage
func (s *Storage) InsertSubscriptionAudit(ctx context.Context, event *settle.SubscriptionAuditEvent) error {
	if event == nil || event.ExternalEventID == "" {
		return fmt.Errorf("invalid audit event")
	}

	_, err := s.client.Collection(s.auditCollection).Doc(event.ExternalEventID).Create(ctx, map[string]interface{}{
		"id":                     event.ID,
		"accountId":              event.AccountID,
		"subscriptionExternalId": event.SubscriptionExternalID,
		"previousTier":           string(event.PreviousTier),
		"newTier":                string(event.NewTier),
		"externalStatus":         event.ExternalStatus,
		"status":                 string(event.Status),
		"productId":              event.ProductID,
		"createdAt":              event.CreatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return settle.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("failed to insert subscription audit: %w", err)
	}
	return nil
}

// UpsertOrder implements settle.Storage
func (s *Storage) UpsertOrder(ctx context.Context, order *settle.Order) (*settle.Order, error) {
	if order == nil || order.CheckoutSessionID == "" {
		return nil, fmt.Errorf("invalid order")
	}

	var stored *settle.Order
	doc := s.client.Collection(s.ordersCollection).Doc(order.CheckoutSessionID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		merged := *order
		if err == nil && snap.Exists() {
			existing := orderFromData(snap.Data())
			if order.Status.Rank() < existing.Status.Rank() {
				stored = existing
				return nil
			}
			merged.ID = existing.ID
			merged.CreatedAt = existing.CreatedAt
			merged.FulfillmentStatus = existing.FulfillmentStatus
			if merged.PaymentIntentID == "" {
				merged.PaymentIntentID = existing.PaymentIntentID
			}
			merged.UpdatedAt = s.now().UTC()
		}
		stored = &merged
		return tx.Set(doc, orderData(&merged))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert order: %w", err)
	}
	return stored, nil
}

// GetOrderBySession implements settle.Storage
func (s *Storage) GetOrderBySession(ctx context.Context, checkoutSessionID string) (*settle.Order, error) {
	snap, err := s.client.Collection(s.ordersCollection).Doc(checkoutSessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, settle.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return orderFromData(snap.Data()), nil
}

// MarkOrderDelivered implements settle.Storage
func (s *Storage) MarkOrderDelivered(ctx context.Context, sellerID, orderID string) (*settle.Order, error) {
	var order *settle.Order
	query := s.client.Collection(s.ordersCollection).
		Where("id", "==", orderID).
		Where("sellerId", "==", sellerID).
		Limit(1)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := firstDoc(tx.Documents(query))
		if err != nil {
			return err
		}
		if snap == nil {
			return settle.ErrOrderNotFound
		}

		order = orderFromData(snap.Data())
		if order.Status != settle.OrderPaid {
			return settle.ErrInvalidTransition
		}
		if order.FulfillmentStatus == settle.FulfillmentDelivered {
			return nil
		}
		order.FulfillmentStatus = settle.FulfillmentDelivered
		order.UpdatedAt = s.now().UTC()
		return tx.Update(snap.Ref, []firestore.Update{
			{Path: "fulfillmentStatus", Value: string(order.FulfillmentStatus)},
			{Path: "updatedAt", Value: order.UpdatedAt},
		})
	})
	if errors.Is(err, settle.ErrOrderNotFound) || errors.Is(err, settle.ErrInvalidTransition) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark order delivered: %w", err)
	}
	return order, nil
}

// PutPackage adds a package to the catalog
func (s *Storage) PutPackage(ctx context.Context, pkg *settle.Package) error {
	_, err := s.packageDoc(pkg.OfferSlug, pkg.ID).Set(ctx, map[string]interface{}{
		"id":         pkg.ID,
		"offerId":    pkg.OfferID,
		"offerSlug":  pkg.OfferSlug,
		"sellerId":   pkg.SellerID,
		"title":      pkg.Title,
		"priceMinor": pkg.PriceMinor,
		"currency":   pkg.Currency,
	})
	if err != nil {
		return fmt.Errorf("failed to put package: %w", err)
	}
	return nil
}

// GetPackage implements settle.Catalog
func (s *Storage) GetPackage(ctx context.Context, offerSlug, packageID string) (*settle.Package, error) {
	snap, err := s.packageDoc(offerSlug, packageID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, settle.ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}

	data := snap.Data()
	return &settle.Package{
		ID:         getString(data, "id"),
		OfferID:    getString(data, "offerId"),
		OfferSlug:  getString(data, "offerSlug"),
		SellerID:   getString(data, "sellerId"),
		Title:      getString(data, "title"),
		PriceMinor: getInt64(data, "priceMinor"),
		Currency:   getString(data, "currency"),
	}, nil
}

func (s *Storage) accountDoc(accountID string) *firestore.DocumentRef {
	return s.client.Collection(s.accountsCollection).Doc(accountID)
}

func (s *Storage) packageDoc(offerSlug, packageID string) *firestore.DocumentRef {
	return s.client.Collection(s.packagesCollection).Doc(strings.ToLower(offerSlug) + ":" + packageID)
}

func (s *Storage) externalQuery(externalAccountID string) firestore.Query {
	return s.client.Collection(s.accountsCollection).
		Where("externalAccountId", "==", externalAccountID).
		Limit(1)
}

// firstDoc returns the first document of iter, or nil if there is none
func firstDoc(iter *firestore.DocumentIterator) (*firestore.DocumentSnapshot, error) {
	defer iter.Stop()
	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func accountFromData(id string, data map[string]interface{}) *settle.Account {
	acct := &settle.Account{
		ID:                     id,
		Email:                  getString(data, "email"),
		ExternalAccountID:      getString(data, "externalAccountId"),
		OnboardingStatus:       settle.OnboardingStatus(getString(data, "onboardingStatus")),
		Tier:                   settle.Tier(getString(data, "tier")),
		SubscriptionExternalID: getString(data, "subscriptionExternalId"),
		SubscriptionStatus:     settle.SubscriptionStatus(getString(data, "subscriptionStatus")),
		SubscriptionEventID:    getString(data, "subscriptionEventId"),
		TierBeforeEvent:        settle.Tier(getString(data, "tierBeforeEvent")),
		OnboardingGeneration:   getInt64(data, "onboardingGeneration"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
	if t, ok := data["currentPeriodEnd"].(time.Time); ok {
		acct.CurrentPeriodEnd = &t
	}
	if t, ok := data["subscriptionEventAt"].(time.Time); ok {
		acct.SubscriptionEventAt = &t
	}
	return acct
}

func orderData(o *settle.Order) map[string]interface{} {
	return map[string]interface{}{
		"id":                o.ID,
		"checkoutSessionId": o.CheckoutSessionID,
		"paymentIntentId":   o.PaymentIntentID,
		"buyerId":           o.BuyerID,
		"buyerEmail":        o.BuyerEmail,
		"sellerId":          o.SellerID,
		"offerId":           o.OfferID,
		"packageId":         o.PackageID,
		"amountTotal":       o.AmountTotal,
		"currency":          o.Currency,
		"platformFeeAmount": o.PlatformFeeAmount,
		"status":            string(o.Status),
		"fulfillmentStatus": string(o.FulfillmentStatus),
		"createdAt":         o.CreatedAt,
		"updatedAt":         o.UpdatedAt,
	}
}

func orderFromData(data map[string]interface{}) *settle.Order {
	return &settle.Order{
		ID:                getString(data, "id"),
		CheckoutSessionID: getString(data, "checkoutSessionId"),
		PaymentIntentID:   getString(data, "paymentIntentId"),
		BuyerID:           getString(data, "buyerId"),
		BuyerEmail:        getString(data, "buyerEmail"),
		SellerID:          getString(data, "sellerId"),
		OfferID:           getString(data, "offerId"),
		PackageID:         getString(data, "packageId"),
		AmountTotal:       getInt64(data, "amountTotal"),
		Currency:          getString(data, "currency"),
		PlatformFeeAmount: getInt64(data, "platformFeeAmount"),
		Status:            settle.OrderStatus(getString(data, "status")),
		FulfillmentStatus: settle.FulfillmentStatus(getString(data, "fulfillmentStatus")),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
