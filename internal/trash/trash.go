// Package trash implements the soft-delete lifecycle: trash, restore and
// permanent deletion with folder cascade, plus the retention sweep. Trashing
// never touches pin references; the release runs exactly once, when a record
// is permanently removed.
package trash

import (
	"context"
	"errors"
	"sync"
	"time"

	"pinvault/internal/faults"
	"pinvault/internal/ledger"
	"pinvault/internal/logging"
	"pinvault/internal/store"
)

// sweepGate limits opportunistic sweeps triggered by trash-view access.
const sweepGate = time.Minute

// Summary reports what one sweep or cascade delete did.
type Summary struct {
	PermanentlyDeleted int `json:"permanently_deleted_count"`
	ReferencesReleased int `json:"references_released_count"`
}

// Listing is the user-facing trash view.
type Listing struct {
	Records []*store.ContentRecord
	Folders []*store.FolderRecord
}

// Manager drives the trash lifecycle.
type Manager struct {
	store     store.Store
	ledger    *ledger.Ledger
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	lastSweep time.Time
}

// NewManager creates a trash manager with the given retention window.
func NewManager(st store.Store, ld *ledger.Ledger, retention time.Duration) *Manager {
	return &Manager{
		store:     st,
		ledger:    ld,
		retention: retention,
		now:       time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) ownedRecord(ctx context.Context, ownerID, id string) (*store.ContentRecord, error) {
	rec, err := m.store.GetRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, faults.NotFound("record %s", id)
	}
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, faults.NotOwner("record %s", id)
	}
	return rec, nil
}

func (m *Manager) ownedFolder(ctx context.Context, ownerID, id string) (*store.FolderRecord, error) {
	f, err := m.store.GetFolder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, faults.NotFound("folder %s", id)
	}
	if err != nil {
		return nil, err
	}
	if f.OwnerID != ownerID {
		return nil, faults.NotOwner("folder %s", id)
	}
	return f, nil
}

// TrashRecord soft-deletes one record. The pin reference is kept and the
// record remains billed until permanent removal.
func (m *Manager) TrashRecord(ctx context.Context, ownerID, id string) error {
	rec, err := m.ownedRecord(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return nil
	}
	return m.store.SetRecordDeleted(ctx, id, true, m.now().UTC())
}

// TrashFolder soft-deletes a folder and all its active descendants.
func (m *Manager) TrashFolder(ctx context.Context, ownerID, id string) error {
	f, err := m.ownedFolder(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if f.Deleted {
		return nil
	}
	at := m.now().UTC()
	return m.cascadeDelete(ctx, ownerID, id, at)
}

func (m *Manager) cascadeDelete(ctx context.Context, ownerID, folderID string, at time.Time) error {
	records, err := m.store.ListChildRecords(ctx, ownerID, folderID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		if err := m.store.SetRecordDeleted(ctx, rec.ID, true, at); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	folders, err := m.store.ListChildFolders(ctx, ownerID, folderID)
	if err != nil {
		return err
	}
	for _, sub := range folders {
		if sub.Deleted {
			continue
		}
		if err := m.cascadeDelete(ctx, ownerID, sub.ID, at); err != nil {
			return err
		}
	}
	return m.store.SetFolderDeleted(ctx, folderID, true, at)
}

// RestoreRecord brings a trashed record back. A record already swept away is
// treated as restored-nothing, not an error.
func (m *Manager) RestoreRecord(ctx context.Context, ownerID, id string) error {
	rec, err := m.ownedRecord(ctx, ownerID, id)
	if errors.Is(err, faults.NotFound("")) {
		return nil // lost the race against a sweep
	}
	if err != nil {
		return err
	}
	if !rec.Deleted {
		return nil
	}
	err = m.store.SetRecordDeleted(ctx, id, false, time.Time{})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// RestoreFolder brings a trashed folder and its trashed descendants back.
func (m *Manager) RestoreFolder(ctx context.Context, ownerID, id string) error {
	f, err := m.ownedFolder(ctx, ownerID, id)
	if errors.Is(err, faults.NotFound("")) {
		return nil
	}
	if err != nil {
		return err
	}
	if !f.Deleted {
		return nil
	}
	return m.cascadeRestore(ctx, ownerID, id)
}

func (m *Manager) cascadeRestore(ctx context.Context, ownerID, folderID string) error {
	records, err := m.store.ListChildRecords(ctx, ownerID, folderID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !rec.Deleted {
			continue
		}
		if err := m.store.SetRecordDeleted(ctx, rec.ID, false, time.Time{}); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	folders, err := m.store.ListChildFolders(ctx, ownerID, folderID)
	if err != nil {
		return err
	}
	for _, sub := range folders {
		if !sub.Deleted {
			continue
		}
		if err := m.cascadeRestore(ctx, ownerID, sub.ID); err != nil {
			return err
		}
	}
	err = m.store.SetFolderDeleted(ctx, folderID, false, time.Time{})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// purgeRecord permanently removes one record, releasing its pin reference
// exactly once if it held one. A missing row counts as removed.
func (m *Manager) purgeRecord(ctx context.Context, rec *store.ContentRecord, sum *Summary) error {
	if rec.Pinned {
		result, err := m.ledger.ReleasePin(ctx, rec.Address, rec.ID, true)
		if err != nil {
			return err
		}
		if result.Released {
			sum.ReferencesReleased++
		}
		if !result.AlreadyGone {
			sum.PermanentlyDeleted++
		}
		return nil
	}

	err := m.store.DeleteRecord(ctx, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	sum.PermanentlyDeleted++
	return nil
}

// PermanentlyDeleteRecord removes a trashed record for good.
func (m *Manager) PermanentlyDeleteRecord(ctx context.Context, ownerID, id string) (*Summary, error) {
	sum := &Summary{}
	rec, err := m.ownedRecord(ctx, ownerID, id)
	if errors.Is(err, faults.NotFound("")) {
		return sum, nil // already swept
	}
	if err != nil {
		return nil, err
	}
	if !rec.Deleted {
		return nil, faults.Validation("record %s is not in the trash", id)
	}
	if err := m.purgeRecord(ctx, rec, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

// PermanentlyDeleteFolder removes a trashed folder subtree for good. Each
// pinned descendant releases its own reference independently.
func (m *Manager) PermanentlyDeleteFolder(ctx context.Context, ownerID, id string) (*Summary, error) {
	sum := &Summary{}
	f, err := m.ownedFolder(ctx, ownerID, id)
	if errors.Is(err, faults.NotFound("")) {
		return sum, nil
	}
	if err != nil {
		return nil, err
	}
	if !f.Deleted {
		return nil, faults.Validation("folder %s is not in the trash", id)
	}
	if err := m.purgeFolder(ctx, ownerID, id, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (m *Manager) purgeFolder(ctx context.Context, ownerID, folderID string, sum *Summary) error {
	records, err := m.store.ListChildRecords(ctx, ownerID, folderID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := m.purgeRecord(ctx, rec, sum); err != nil {
			return err
		}
	}

	folders, err := m.store.ListChildFolders(ctx, ownerID, folderID)
	if err != nil {
		return err
	}
	for _, sub := range folders {
		if err := m.purgeFolder(ctx, ownerID, sub.ID, sum); err != nil {
			return err
		}
	}

	err = m.store.DeleteFolder(ctx, folderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// List returns the owner's trashed items, running an opportunistic sweep
// first so expired items never show up in the view.
func (m *Manager) List(ctx context.Context, ownerID string) (*Listing, error) {
	m.MaybeSweep(ctx)

	records, err := m.store.ListTrashedRecords(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	folders, err := m.store.ListTrashedFolders(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &Listing{Records: records, Folders: folders}, nil
}

// MaybeSweep runs a sweep unless one ran within the last minute.
func (m *Manager) MaybeSweep(ctx context.Context) {
	m.mu.Lock()
	if m.now().Sub(m.lastSweep) < sweepGate {
		m.mu.Unlock()
		return
	}
	m.lastSweep = m.now()
	m.mu.Unlock()

	if _, err := m.Sweep(ctx); err != nil {
		logging.Sweep.Printf("sweep error: %v", err)
	}
}

// Sweep permanently removes items trashed longer than the retention window.
// It snapshots the expired set up front and treats rows that vanish under it
// (a racing restore or delete) as already handled.
func (m *Manager) Sweep(ctx context.Context) (*Summary, error) {
	cutoff := m.now().UTC().Add(-m.retention)
	sum := &Summary{}

	records, err := m.store.ListExpiredTrashedRecords(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if err := m.purgeRecord(ctx, rec, sum); err != nil {
			logging.Sweep.Printf("failed to purge record %s: %v", rec.ID, err)
		}
	}

	folders, err := m.store.ListExpiredTrashedFolders(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		err := m.store.DeleteFolder(ctx, f.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			logging.Sweep.Printf("failed to purge folder %s: %v", f.ID, err)
			continue
		}
		sum.PermanentlyDeleted++
	}

	if sum.PermanentlyDeleted > 0 {
		logging.Sweep.Printf("swept %d items, released %d references", sum.PermanentlyDeleted, sum.ReferencesReleased)
	}
	return sum, nil
}
