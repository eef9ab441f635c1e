package uploads

import (
	"context"
	"io"
)

// batchMode is the batch resolution state: conflicts are either resolved per
// item, or a sticky action covers the rest, or the rest are skipped.
type batchMode int

const (
	modePerItem batchMode = iota
	modeApplyAll
	modeCancelAll
)

// Directive is the caller's answer for one conflicting item. ApplyToAll
// promotes the action to every remaining conflict; CancelAll skips this and
// every remaining conflict. Both apply to the triggering item first.
type Directive struct {
	Action     Action
	ApplyToAll bool
	CancelAll  bool
}

// Batch runs a multi-file upload under the batch conflict protocol.
// Non-conflicting items always proceed regardless of mode.
type Batch struct {
	svc            *Service
	ownerID        string
	parentFolderID string
	pin            bool

	mode       batchMode
	stickyMode Action
	claimed    map[string]bool
}

// NewBatch starts a batch upload into one parent folder.
func (s *Service) NewBatch(ownerID, parentFolderID string, pin bool) *Batch {
	return &Batch{
		svc:            s,
		ownerID:        ownerID,
		parentFolderID: parentFolderID,
		pin:            pin,
		claimed:        make(map[string]bool),
	}
}

// Add uploads the next item. The directive is consulted only when the item
// conflicts with an active sibling and no sticky decision is in force.
func (b *Batch) Add(ctx context.Context, name, mime string, data io.Reader, directive Directive) (*Result, error) {
	req := &Request{
		OwnerID:        b.ownerID,
		ParentFolderID: b.parentFolderID,
		Name:           name,
		Mime:           mime,
		Pin:            b.pin,
		Data:           data,
	}

	switch b.mode {
	case modeApplyAll:
		req.Resolution = b.stickyMode
	case modeCancelAll:
		req.Resolution = ActionCancel
	default:
		if directive.CancelAll {
			b.mode = modeCancelAll
			req.Resolution = ActionCancel
		} else if directive.ApplyToAll {
			b.mode = modeApplyAll
			b.stickyMode = directive.Action
			req.Resolution = directive.Action
		} else {
			req.Resolution = directive.Action
		}
	}

	return b.svc.upload(ctx, req, b.claimed)
}
