// Package uploads handles content ingestion and the duplicate-name
// resolution protocol, in single and batch form.
package uploads

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pinvault/internal/blob"
	"pinvault/internal/faults"
	"pinvault/internal/ledger"
	"pinvault/internal/logging"
	"pinvault/internal/store"
)

// Action is a duplicate-conflict resolution action.
type Action string

const (
	ActionReplace  Action = "REPLACE"
	ActionKeepBoth Action = "KEEP_BOTH"
	ActionCancel   Action = "CANCEL"
)

// Request describes one upload.
type Request struct {
	OwnerID        string
	ParentFolderID string
	Name           string
	Mime           string
	Pin            bool
	Data           io.Reader
	// Resolution applies when an active sibling with the same name exists.
	// Empty means unresolved: the conflict is reported back to the caller.
	Resolution Action
}

// Result describes what happened to one upload.
type Result struct {
	Record   *store.ContentRecord // nil when skipped or conflicted
	Conflict *store.ContentRecord // the existing sibling, when unresolved
	Skipped  bool
	Renamed  bool // KEEP_BOTH picked a new name; see Record.Name
}

// Service performs uploads against the content store and metadata store.
type Service struct {
	store  store.Store
	blobs  blob.Store
	ledger *ledger.Ledger
	now    func() time.Time
}

// NewService creates an upload service.
func NewService(st store.Store, blobs blob.Store, ld *ledger.Ledger) *Service {
	return &Service{store: st, blobs: blobs, ledger: ld, now: time.Now}
}

// SetClock overrides the time source (tests only).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func validateName(name string) error {
	if name == "" {
		return faults.Validation("name is required")
	}
	if len(name) > 255 {
		return faults.Validation("name too long")
	}
	if strings.ContainsAny(name, "/\x00") {
		return faults.Validation("name contains invalid characters")
	}
	return nil
}

func (s *Service) checkParent(ctx context.Context, ownerID, parentFolderID string) error {
	if parentFolderID == "" {
		return nil
	}
	f, err := s.store.GetFolder(ctx, parentFolderID)
	if errors.Is(err, store.ErrNotFound) {
		return faults.NotFound("folder %s", parentFolderID)
	}
	if err != nil {
		return err
	}
	if f.OwnerID != ownerID {
		return faults.NotOwner("folder %s", parentFolderID)
	}
	if f.Deleted {
		return faults.Validation("folder %s is in the trash", parentFolderID)
	}
	return nil
}

// Upload stores the content and resolves any name conflict per the request.
// The blob lands in the content store first; identical bytes dedup to the
// same address at no extra storage cost.
func (s *Service) Upload(ctx context.Context, req *Request) (*Result, error) {
	return s.upload(ctx, req, nil)
}

// upload is the shared single/batch path. claimed carries lowercase names
// already taken by earlier KEEP_BOTH renames in the same batch.
func (s *Service) upload(ctx context.Context, req *Request, claimed map[string]bool) (*Result, error) {
	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if err := s.checkParent(ctx, req.OwnerID, req.ParentFolderID); err != nil {
		return nil, err
	}

	addr, size, err := s.blobs.Add(ctx, req.Data)
	if err != nil {
		return nil, faults.StoreUnavailable(err, "add content")
	}

	existing, err := s.store.FindActiveSibling(ctx, req.OwnerID, req.ParentFolderID, req.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	name := req.Name
	renamed := false
	if existing != nil {
		switch req.Resolution {
		case "":
			return &Result{Conflict: existing}, nil
		case ActionCancel:
			return &Result{Skipped: true}, nil
		case ActionReplace:
			if err := s.replaceExisting(ctx, existing); err != nil {
				return nil, err
			}
		case ActionKeepBoth:
			name, err = s.probeName(ctx, req.OwnerID, req.ParentFolderID, req.Name, claimed)
			if err != nil {
				return nil, err
			}
			renamed = true
		default:
			return nil, faults.Validation("unknown resolution %q", req.Resolution)
		}
	}

	rec := &store.ContentRecord{
		ID:             uuid.NewString(),
		OwnerID:        req.OwnerID,
		Address:        addr,
		Size:           size,
		Mime:           req.Mime,
		Name:           name,
		ParentFolderID: req.ParentFolderID,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		return nil, err
	}

	if req.Pin {
		if _, err := s.ledger.RequestPin(ctx, addr, rec.ID); err != nil {
			// Keep the upload atomic: without a confirmed pin the record
			// is removed rather than left half-ingested.
			if derr := s.store.DeleteRecord(ctx, rec.ID); derr != nil {
				logging.Internal.Printf("failed to clean up record %s after pin failure: %v", rec.ID, derr)
			}
			return nil, err
		}
		rec.Pinned = true
	}

	if claimed != nil {
		claimed[strings.ToLower(name)] = true
	}
	return &Result{Record: rec, Renamed: renamed}, nil
}

// replaceExisting drops the record being replaced, releasing its pin
// reference when it held one.
func (s *Service) replaceExisting(ctx context.Context, existing *store.ContentRecord) error {
	if existing.Pinned {
		_, err := s.ledger.ReleasePin(ctx, existing.Address, existing.ID, true)
		return err
	}
	err := s.store.DeleteRecord(ctx, existing.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// probeName finds the smallest unused "name (N).ext" in the parent folder,
// also honoring names claimed earlier in the same batch.
func (s *Service) probeName(ctx context.Context, ownerID, parentFolderID, name string, claimed map[string]bool) (string, error) {
	names, err := s.store.ListActiveNames(ctx, ownerID, parentFolderID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(names)+len(claimed))
	for _, n := range names {
		taken[strings.ToLower(n)] = true
	}
	for n := range claimed {
		taken[n] = true
	}

	ext := ""
	base := name
	if idx := strings.LastIndex(name, "."); idx > 0 {
		base = name[:idx]
		ext = name[idx:]
	}
	for i := 1; ; i++ {
		candidate := base + " (" + strconv.Itoa(i) + ")" + ext
		if !taken[strings.ToLower(candidate)] {
			return candidate, nil
		}
	}
}
