package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Payment order statuses. PAID, FAILED and CANCELLED are terminal.
const (
	OrderPending   = "PENDING"
	OrderPaid      = "PAID"
	OrderFailed    = "FAILED"
	OrderCancelled = "CANCELLED"
)

// ContentRecord is one user-visible file. Many records may share the same
// content address; the record, not the blob, carries ownership and naming.
type ContentRecord struct {
	ID             string
	OwnerID        string
	Address        string
	Size           int64
	Mime           string
	Name           string
	ParentFolderID string // empty means root
	Starred        bool
	Pinned         bool
	Deleted        bool
	DeletedAt      time.Time // zero unless Deleted
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// FolderRecord is a node in the user's folder hierarchy.
type FolderRecord struct {
	ID             string
	OwnerID        string
	Name           string
	ParentFolderID string
	Deleted        bool
	DeletedAt      time.Time
	CreatedAt      time.Time
}

// Subscription fixes a user's billing cycle. BillingDay is clamped to 1-28
// at creation so every month has a matching date.
type Subscription struct {
	OwnerID       string
	BillingDay    int
	NextBillingAt time.Time
	CreatedAt     time.Time
}

// BillingInfo carries the flags the billing state machine toggles.
type BillingInfo struct {
	OwnerID            string
	PaymentMethodAdded bool
	ServicesBlocked    bool
}

// PaymentOrder is one charge attempt against the payment provider.
type PaymentOrder struct {
	ID          string
	OwnerID     string
	ExternalID  string
	AmountCents int64
	Currency    string
	Status      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	CreatedAt   time.Time
}

// OwnerStats is the per-owner aggregate used by the billing endpoints.
type OwnerStats struct {
	TotalRecords int
	PinnedBytes  int64
	TrashedItems int
}

// RecordStore persists content records.
type RecordStore interface {
	InsertRecord(ctx context.Context, rec *ContentRecord) error
	GetRecord(ctx context.Context, id string) (*ContentRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	RenameRecord(ctx context.Context, id, name string) error
	MoveRecord(ctx context.Context, id, parentFolderID string) error
	SetRecordStarred(ctx context.Context, id string, starred bool) error
	TouchRecordAccess(ctx context.Context, id string, at time.Time) error
	SetRecordDeleted(ctx context.Context, id string, deleted bool, at time.Time) error

	// FindActiveSibling matches on owner, parent folder and case-insensitive
	// name among non-deleted records.
	FindActiveSibling(ctx context.Context, ownerID, parentFolderID, name string) (*ContentRecord, error)
	// ListActiveNames returns the non-deleted record names under a folder.
	ListActiveNames(ctx context.Context, ownerID, parentFolderID string) ([]string, error)

	ListChildRecords(ctx context.Context, ownerID, parentFolderID string) ([]*ContentRecord, error)

	ListTrashedRecords(ctx context.Context, ownerID string) ([]*ContentRecord, error)
	ListExpiredTrashedRecords(ctx context.Context, cutoff time.Time) ([]*ContentRecord, error)

	// PinnedBytes sums sizes over the owner's pinned records. Trashed records
	// still count: a trashed file holds its pin until permanently removed.
	PinnedBytes(ctx context.Context, ownerID string) (int64, error)
	// CountActivePins counts existing pinned records for a content address.
	CountActivePins(ctx context.Context, address string) (int, error)
	OwnerStats(ctx context.Context, ownerID string) (*OwnerStats, error)
}

// FolderStore persists the folder hierarchy.
type FolderStore interface {
	InsertFolder(ctx context.Context, f *FolderRecord) error
	GetFolder(ctx context.Context, id string) (*FolderRecord, error)
	DeleteFolder(ctx context.Context, id string) error
	SetFolderDeleted(ctx context.Context, id string, deleted bool, at time.Time) error
	ListChildFolders(ctx context.Context, ownerID, parentFolderID string) ([]*FolderRecord, error)
	ListTrashedFolders(ctx context.Context, ownerID string) ([]*FolderRecord, error)
	ListExpiredTrashedFolders(ctx context.Context, cutoff time.Time) ([]*FolderRecord, error)
}

// BillingStore persists subscriptions and billing flags.
type BillingStore interface {
	GetSubscription(ctx context.Context, ownerID string) (*Subscription, error)
	InsertSubscription(ctx context.Context, sub *Subscription) error
	UpdateNextBilling(ctx context.Context, ownerID string, next time.Time) error
	GetBillingInfo(ctx context.Context, ownerID string) (*BillingInfo, error)
	InsertBillingInfo(ctx context.Context, info *BillingInfo) error
	SetBillingFlags(ctx context.Context, ownerID string, paymentMethodAdded, servicesBlocked bool) error
}

// OrderStore persists payment orders.
type OrderStore interface {
	InsertOrder(ctx context.Context, o *PaymentOrder) error
	GetOrder(ctx context.Context, id string) (*PaymentOrder, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (*PaymentOrder, error)
	SetOrderStatus(ctx context.Context, id, status string) error
	ListPendingOrders(ctx context.Context) ([]*PaymentOrder, error)
}

// Tx is the transactional view used for count-then-act sequences. The record
// mutation and the reference recount commit or roll back together.
type Tx interface {
	GetRecord(id string) (*ContentRecord, error)
	SetRecordPinned(id string, pinned bool) error
	DeleteRecord(id string) error
	CountActivePins(address string) (int, error)
}

// Store is the full metadata persistence interface.
type Store interface {
	RecordStore
	FolderStore
	BillingStore
	OrderStore

	// InTx runs fn inside a single write transaction. The implementation
	// retries a bounded number of times when the database is busy.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
