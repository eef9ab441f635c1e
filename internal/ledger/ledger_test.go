package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pinvault/internal/faults"
	"pinvault/internal/store"
)

// fakeBlobs counts physical pin traffic so tests can assert the ledger only
// touches the content store on reference-count edges.
type fakeBlobs struct {
	mu         sync.Mutex
	pins       map[string]bool
	pinCalls   int
	unpinCalls int
	failPin    error
	failUnpin  error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{pins: make(map[string]bool)}
}

func (f *fakeBlobs) Add(ctx context.Context, data io.Reader) (string, int64, error) {
	hasher := sha256.New()
	size, err := io.Copy(hasher, data)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func (f *fakeBlobs) Pin(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPin != nil {
		return f.failPin
	}
	f.pinCalls++
	f.pins[addr] = true
	return nil
}

func (f *fakeBlobs) Unpin(ctx context.Context, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUnpin != nil {
		return f.failUnpin
	}
	f.unpinCalls++
	delete(f.pins, addr)
	return nil
}

func (f *fakeBlobs) Fetch(ctx context.Context, addr string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBlobs) IsPinned(ctx context.Context, addr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pins[addr], nil
}

func (f *fakeBlobs) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinCalls, f.unpinCalls
}

func newTestLedger(t *testing.T) (*Ledger, *store.SQLiteStore, *fakeBlobs) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	blobs := newFakeBlobs()
	return New(st, blobs), st, blobs
}

func insertRecord(t *testing.T, st *store.SQLiteStore, id, owner, addr string) {
	t.Helper()
	err := st.InsertRecord(context.Background(), &store.ContentRecord{
		ID:        id,
		OwnerID:   owner,
		Address:   addr,
		Size:      64,
		Name:      id,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to insert record: %v", err)
	}
}

func TestRequestPin(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstReferencePinsStore", func(t *testing.T) {
		ld, st, blobs := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "addr-1")

		result, err := ld.RequestPin(ctx, "addr-1", "r1")
		if err != nil {
			t.Fatalf("failed to pin: %v", err)
		}
		if !result.StorePinCalled || result.AlreadyPinned {
			t.Errorf("got %+v", result)
		}
		if pins, _ := blobs.counts(); pins != 1 {
			t.Errorf("got %d store pins, want 1", pins)
		}

		rec, _ := st.GetRecord(ctx, "r1")
		if !rec.Pinned {
			t.Error("expected record pinned")
		}
	})

	t.Run("SecondReferenceSkipsStore", func(t *testing.T) {
		ld, st, blobs := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "shared")
		insertRecord(t, st, "r2", "bob", "shared")

		if _, err := ld.RequestPin(ctx, "shared", "r1"); err != nil {
			t.Fatalf("first pin failed: %v", err)
		}
		result, err := ld.RequestPin(ctx, "shared", "r2")
		if err != nil {
			t.Fatalf("second pin failed: %v", err)
		}
		if result.StorePinCalled {
			t.Error("second reference should not touch the store")
		}
		if pins, _ := blobs.counts(); pins != 1 {
			t.Errorf("got %d store pins, want 1", pins)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		ld, st, blobs := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "addr-1")

		ld.RequestPin(ctx, "addr-1", "r1")
		result, err := ld.RequestPin(ctx, "addr-1", "r1")
		if err != nil {
			t.Fatalf("repeat pin failed: %v", err)
		}
		if !result.AlreadyPinned || result.StorePinCalled {
			t.Errorf("got %+v", result)
		}
		if pins, _ := blobs.counts(); pins != 1 {
			t.Errorf("got %d store pins, want 1", pins)
		}
	})

	t.Run("MissingRecord", func(t *testing.T) {
		ld, _, _ := newTestLedger(t)
		if _, err := ld.RequestPin(ctx, "addr-1", "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("AddressMismatch", func(t *testing.T) {
		ld, st, _ := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "addr-1")
		_, err := ld.RequestPin(ctx, "other-addr", "r1")
		if faults.Code(err) != faults.CodeValidation {
			t.Errorf("expected validation fault, got %v", err)
		}
	})

	t.Run("StorePinFailure", func(t *testing.T) {
		ld, st, blobs := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "addr-1")
		blobs.failPin = errors.New("store down")

		_, err := ld.RequestPin(ctx, "addr-1", "r1")
		if faults.Code(err) != faults.CodeStoreUnavailable {
			t.Errorf("expected store fault, got %v", err)
		}

		// Nothing committed; a retry after recovery succeeds cleanly.
		rec, _ := st.GetRecord(ctx, "r1")
		if rec.Pinned {
			t.Error("record must not be pinned after store failure")
		}
		blobs.failPin = nil
		if _, err := ld.RequestPin(ctx, "addr-1", "r1"); err != nil {
			t.Fatalf("retry failed: %v", err)
		}
	})
}

func TestReleasePin(t *testing.T) {
	ctx := context.Background()

	t.Run("LastReferenceUnpinsStore", func(t *testing.T) {
		ld, st, blobs := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "addr-1")
		ld.RequestPin(ctx, "addr-1", "r1")

		result, err := ld.ReleasePin(ctx, "addr-1", "r1", false)
		if err != nil {
			t.Fatalf("failed to release: %v", err)
		}
		if !result.Released || !result.StoreUnpinCalled {
			t.Errorf("got %+v", result)
		}
		if _, unpins := blobs.counts(); unpins != 1 {
			t.Errorf("got %d store unpins, want 1", unpins)
		}
	})

	t.Run("OtherReferencesKeepStorePin", func(t *testing.T) {
		ld, st, blobs := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "shared")
		insertRecord(t, st, "r2", "bob", "shared")
		ld.RequestPin(ctx, "shared", "r1")
		ld.RequestPin(ctx, "shared", "r2")

		result, err := ld.ReleasePin(ctx, "shared", "r1", false)
		if err != nil {
			t.Fatalf("failed to release: %v", err)
		}
		if !result.Released || result.StoreUnpinCalled {
			t.Errorf("got %+v", result)
		}
		if _, unpins := blobs.counts(); unpins != 0 {
			t.Errorf("got %d store unpins, want 0", unpins)
		}

		ok, err := ld.Consistent(ctx, "shared")
		if err != nil || !ok {
			t.Errorf("ledger inconsistent after partial release (err %v)", err)
		}
	})

	t.Run("UnpinnedRecordIsNoOp", func(t *testing.T) {
		ld, st, blobs := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "addr-1")

		result, err := ld.ReleasePin(ctx, "addr-1", "r1", false)
		if err != nil {
			t.Fatalf("failed to release: %v", err)
		}
		if result.Released || result.StoreUnpinCalled {
			t.Errorf("got %+v", result)
		}
		if _, unpins := blobs.counts(); unpins != 0 {
			t.Errorf("got %d store unpins, want 0", unpins)
		}
	})

	t.Run("MissingRecordIsSuccess", func(t *testing.T) {
		ld, _, _ := newTestLedger(t)
		result, err := ld.ReleasePin(ctx, "addr-1", "gone", false)
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if !result.AlreadyGone {
			t.Errorf("got %+v", result)
		}
	})

	t.Run("RemoveRecordDeletesRow", func(t *testing.T) {
		ld, st, _ := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "addr-1")
		ld.RequestPin(ctx, "addr-1", "r1")

		result, err := ld.ReleasePin(ctx, "addr-1", "r1", true)
		if err != nil {
			t.Fatalf("failed to release: %v", err)
		}
		if !result.Released || !result.StoreUnpinCalled {
			t.Errorf("got %+v", result)
		}
		if _, err := st.GetRecord(ctx, "r1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected row deleted, got %v", err)
		}
	})

	t.Run("StoreUnpinFailureRollsBack", func(t *testing.T) {
		ld, st, blobs := newTestLedger(t)
		insertRecord(t, st, "r1", "alice", "addr-1")
		ld.RequestPin(ctx, "addr-1", "r1")
		blobs.failUnpin = errors.New("store down")

		_, err := ld.ReleasePin(ctx, "addr-1", "r1", false)
		if faults.Code(err) != faults.CodeStoreUnavailable {
			t.Errorf("expected store fault, got %v", err)
		}

		// The reference survives, so the ledger stays consistent.
		rec, _ := st.GetRecord(ctx, "r1")
		if !rec.Pinned {
			t.Error("record must stay pinned after store failure")
		}
	})
}

func TestConcurrentPinSharedAddress(t *testing.T) {
	ld, st, blobs := newTestLedger(t)
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		insertRecord(t, st, "rec-"+string(rune('a'+i)), "alice", "shared")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := ld.RequestPin(ctx, "shared", id); err != nil {
				t.Errorf("pin %s failed: %v", id, err)
			}
		}("rec-" + string(rune('a'+i)))
	}
	wg.Wait()

	// Exactly one physical pin regardless of interleaving.
	if pins, _ := blobs.counts(); pins != 1 {
		t.Errorf("got %d store pins, want 1", pins)
	}
	ok, err := ld.Consistent(ctx, "shared")
	if err != nil || !ok {
		t.Errorf("ledger inconsistent after concurrent pins (err %v)", err)
	}
}
