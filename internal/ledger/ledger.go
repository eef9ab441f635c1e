// Package ledger implements the reference-counted pin ledger. All physical
// pin/unpin traffic to the content store goes through here: the first active
// reference to an address pins it, releasing the last one unpins it.
package ledger

import (
	"context"
	"errors"
	"sync"

	"pinvault/internal/blob"
	"pinvault/internal/faults"
	"pinvault/internal/logging"
	"pinvault/internal/store"
)

// PinResult reports what RequestPin did.
type PinResult struct {
	AlreadyPinned  bool // record already held a reference; no-op
	StorePinCalled bool // this was the first reference; the store was pinned
}

// UnpinResult reports what ReleasePin did.
type UnpinResult struct {
	Released         bool // the record held a reference and it was dropped
	AlreadyGone      bool // record row no longer exists; treated as success
	StoreUnpinCalled bool // last reference dropped; the store was unpinned
}

// Ledger serializes count-then-act pin decisions per content address.
type Ledger struct {
	store store.Store
	blobs blob.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a ledger over the metadata store and the content store.
func New(st store.Store, blobs blob.Store) *Ledger {
	return &Ledger{
		store: st,
		blobs: blobs,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockAddress takes the per-address mutex. The mutex map only grows, but
// entries are a few dozen bytes and bounded by distinct addresses seen over
// the process lifetime.
func (l *Ledger) lockAddress(addr string) func() {
	l.mu.Lock()
	m, ok := l.locks[addr]
	if !ok {
		m = &sync.Mutex{}
		l.locks[addr] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// RequestPin marks the record pinned. If this is the first active reference
// to the address system-wide, the content store is pinned first; the record
// flag is only committed after a confirmed store pin. Idempotent.
func (l *Ledger) RequestPin(ctx context.Context, address, recordID string) (*PinResult, error) {
	unlock := l.lockAddress(address)
	defer unlock()

	var result PinResult
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		result = PinResult{}

		rec, err := tx.GetRecord(recordID)
		if err != nil {
			return err
		}
		if rec.Address != address {
			return faults.Validation("record %s does not reference address %s", recordID, short(address))
		}
		if rec.Pinned {
			result.AlreadyPinned = true
			return nil
		}

		count, err := tx.CountActivePins(address)
		if err != nil {
			return err
		}
		if count == 0 {
			if err := l.blobs.Pin(ctx, address); err != nil {
				return faults.StoreUnavailable(err, "pin %s", short(address))
			}
			result.StorePinCalled = true
		}

		return tx.SetRecordPinned(recordID, true)
	})
	if err != nil {
		// The physical pin happened but the flag did not commit; undo it.
		// No other reference can exist while the address lock is held.
		if result.StorePinCalled {
			if uerr := l.blobs.Unpin(ctx, address); uerr != nil {
				logging.Internal.Printf("failed to roll back store pin for %s: %v", short(address), uerr)
			}
		}
		return nil, err
	}
	return &result, nil
}

// ReleasePin drops the record's reference, deleting the row when removeRecord
// is set. The content store is unpinned only when the reference count reaches
// zero, inside the same decision as the record mutation. Releasing an already
// unpinned or already deleted record is success.
func (l *Ledger) ReleasePin(ctx context.Context, address, recordID string, removeRecord bool) (*UnpinResult, error) {
	unlock := l.lockAddress(address)
	defer unlock()

	var result UnpinResult
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		result = UnpinResult{}

		rec, err := tx.GetRecord(recordID)
		if errors.Is(err, store.ErrNotFound) {
			result.AlreadyGone = true
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Address != address {
			return faults.Validation("record %s does not reference address %s", recordID, short(address))
		}

		wasPinned := rec.Pinned
		if removeRecord {
			if err := tx.DeleteRecord(recordID); err != nil {
				return err
			}
		} else if wasPinned {
			if err := tx.SetRecordPinned(recordID, false); err != nil {
				return err
			}
		}
		if !wasPinned {
			return nil
		}
		result.Released = true

		count, err := tx.CountActivePins(address)
		if err != nil {
			return err
		}
		if count == 0 {
			// The store treats unpinning an absent pin as success, so this
			// path stays retryable.
			if err := l.blobs.Unpin(ctx, address); err != nil {
				return faults.StoreUnavailable(err, "unpin %s", short(address))
			}
			result.StoreUnpinCalled = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Consistent checks the ledger invariant for one address: the content store
// holds a pin iff at least one pinned record references the address.
func (l *Ledger) Consistent(ctx context.Context, address string) (bool, error) {
	unlock := l.lockAddress(address)
	defer unlock()

	count, err := l.store.CountActivePins(ctx, address)
	if err != nil {
		return false, err
	}
	pinned, err := l.blobs.IsPinned(ctx, address)
	if err != nil {
		return false, err
	}
	return pinned == (count > 0), nil
}

func short(addr string) string {
	if len(addr) > 12 {
		return addr[:12]
	}
	return addr
}
