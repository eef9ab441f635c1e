package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"pinvault/internal/billing"
	"pinvault/internal/blob"
	"pinvault/internal/faults"
	"pinvault/internal/ledger"
	"pinvault/internal/logging"
	"pinvault/internal/store"
	"pinvault/internal/trash"
	"pinvault/internal/uploads"
)

// MaxUploadSize is the maximum allowed file size (5GB).
const MaxUploadSize = 5 << 30

// Handler handles HTTP requests.
type Handler struct {
	store   store.Store
	blobs   blob.Store
	ledger  *ledger.Ledger
	billing *billing.Service
	uploads *uploads.Service
	trash   *trash.Manager
	mux     *http.ServeMux
}

// NewHandler creates the API handler.
func NewHandler(st store.Store, blobs blob.Store, ld *ledger.Ledger, bl *billing.Service, up *uploads.Service, tr *trash.Manager) *Handler {
	h := &Handler{
		store:   st,
		blobs:   blobs,
		ledger:  ld,
		billing: bl,
		uploads: up,
		trash:   tr,
		mux:     http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /api/access", h.handleAccessCheck)
	h.mux.HandleFunc("GET /api/billing", h.handleBillingStatus)
	h.mux.HandleFunc("POST /api/billing/orders", h.handleCreateOrder)
	h.mux.HandleFunc("GET /api/billing/orders/{id}", h.handleOrderStatus)
	h.mux.HandleFunc("POST /api/webhook/payments", h.handlePaymentWebhook)

	h.mux.HandleFunc("POST /api/upload", h.handleUpload)
	h.mux.HandleFunc("POST /api/upload/batch", h.handleUploadBatch)

	h.mux.HandleFunc("POST /api/folders", h.handleCreateFolder)
	h.mux.HandleFunc("DELETE /api/folders/{id}", h.handleTrashFolder)

	h.mux.HandleFunc("GET /api/records/{id}/content", h.handleDownload)
	h.mux.HandleFunc("PATCH /api/records/{id}", h.handleUpdateRecord)
	h.mux.HandleFunc("POST /api/records/{id}/pin", h.handlePin)
	h.mux.HandleFunc("DELETE /api/records/{id}/pin", h.handleUnpin)
	h.mux.HandleFunc("DELETE /api/records/{id}", h.handleTrashRecord)

	h.mux.HandleFunc("GET /api/trash", h.handleTrashList)
	h.mux.HandleFunc("POST /api/trash/{id}/restore", h.handleRestore)
	h.mux.HandleFunc("DELETE /api/trash/{id}", h.handlePermanentDelete)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := faults.Code(err)
	if code == "" && errors.Is(err, store.ErrNotFound) {
		code = faults.CodeNotFound
	}

	status := http.StatusInternalServerError
	switch code {
	case faults.CodeValidation:
		status = http.StatusBadRequest
	case faults.CodeNotFound:
		status = http.StatusNotFound
	case faults.CodeConflict:
		status = http.StatusConflict
	case faults.CodeNotOwner:
		status = http.StatusForbidden
	case faults.CodeBillingDue:
		status = http.StatusPaymentRequired
	case faults.CodeStoreUnavailable, faults.CodeConcurrency:
		status = http.StatusServiceUnavailable
	case faults.CodePaymentProvider:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		logging.HTTP.Printf("internal error: %v", err)
		writeJSON(w, status, errorBody{Code: "INTERNAL", Message: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

// ownedRecord loads a record and verifies it belongs to the caller.
func (h *Handler) ownedRecord(r *http.Request, id string) (*store.ContentRecord, error) {
	rec, err := h.store.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, faults.NotFound("record %s", id)
	}
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != Subject(r) {
		return nil, faults.NotOwner("record %s", id)
	}
	return rec, nil
}

func (h *Handler) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	decision, err := h.billing.EvaluateAccess(r.Context(), Subject(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// BillingStatusResponse is the billing endpoint payload: the access decision
// plus the owner's storage aggregates.
type BillingStatusResponse struct {
	*billing.Decision
	Stats *store.OwnerStats `json:"stats"`
}

func (h *Handler) handleBillingStatus(w http.ResponseWriter, r *http.Request) {
	owner := Subject(r)
	decision, err := h.billing.EvaluateAccess(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.store.OwnerStats(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BillingStatusResponse{Decision: decision, Stats: stats})
}

// OrderResponse is the payment order payload.
type OrderResponse struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func orderResponse(o *store.PaymentOrder) OrderResponse {
	return OrderResponse{
		ID:          o.ID,
		ExternalID:  o.ExternalID,
		AmountCents: o.AmountCents,
		Currency:    o.Currency,
		Status:      o.Status,
		PeriodStart: o.PeriodStart,
		PeriodEnd:   o.PeriodEnd,
	}
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.billing.CreateOrder(r.Context(), Subject(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse(order))
}

func (h *Handler) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	order, err := h.billing.RefreshOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if order.OwnerID != Subject(r) {
		writeError(w, faults.NotOwner("order %s", order.ID))
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logging.HTTP.Printf("webhook: failed to read body: %v", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.billing.HandleWebhook(r.Context(), body, r.Header); err != nil {
		logging.HTTP.Printf("webhook: failed to process: %v", err)
		http.Error(w, "webhook processing failed", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CreateFolderRequest is the request body for folder creation.
type CreateFolderRequest struct {
	Name           string `json:"name"`
	ParentFolderID string `json:"parent_folder_id"`
}

// FolderResponse is the folder payload.
type FolderResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ParentFolderID string `json:"parent_folder_id"`
}

func (h *Handler) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req CreateFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.Validation("invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, faults.Validation("name is required"))
		return
	}

	f := &store.FolderRecord{
		ID:             uuid.NewString(),
		OwnerID:        Subject(r),
		Name:           req.Name,
		ParentFolderID: req.ParentFolderID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.InsertFolder(r.Context(), f); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FolderResponse{ID: f.ID, Name: f.Name, ParentFolderID: f.ParentFolderID})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownedRecord(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.Deleted {
		writeError(w, faults.NotFound("record %s", rec.ID))
		return
	}

	reader, err := h.blobs.Fetch(r.Context(), rec.Address)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, faults.NotFound("content for record %s", rec.ID))
		return
	}
	if err != nil {
		writeError(w, faults.StoreUnavailable(err, "fetch content"))
		return
	}
	defer reader.Close()

	if err := h.store.TouchRecordAccess(r.Context(), rec.ID, time.Now().UTC()); err != nil {
		logging.HTTP.Printf("failed to touch record %s: %v", rec.ID, err)
	}

	mime := rec.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	if _, err := io.Copy(w, reader); err != nil {
		logging.HTTP.Printf("download of %s aborted: %v", rec.ID, err)
	}
}

// UpdateRecordRequest is the PATCH body; nil fields are left untouched.
type UpdateRecordRequest struct {
	Name           *string `json:"name"`
	ParentFolderID *string `json:"parent_folder_id"`
	Starred        *bool   `json:"starred"`
}

func (h *Handler) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownedRecord(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.Deleted {
		writeError(w, faults.Validation("record %s is in the trash", rec.ID))
		return
	}

	var req UpdateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.Validation("invalid request body"))
		return
	}

	ctx := r.Context()
	parent := rec.ParentFolderID
	if req.ParentFolderID != nil {
		parent = *req.ParentFolderID
	}

	// A rename or move lands the record among new siblings; re-run the
	// duplicate check against the target location.
	if req.Name != nil || req.ParentFolderID != nil {
		name := rec.Name
		if req.Name != nil {
			name = *req.Name
		}
		sibling, err := h.store.FindActiveSibling(ctx, rec.OwnerID, parent, name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, err)
			return
		}
		if sibling != nil && sibling.ID != rec.ID {
			writeError(w, faults.Conflict("name %q already exists", name))
			return
		}
	}

	if req.Name != nil {
		if err := h.store.RenameRecord(ctx, rec.ID, *req.Name); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.ParentFolderID != nil {
		if err := h.store.MoveRecord(ctx, rec.ID, *req.ParentFolderID); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Starred != nil {
		if err := h.store.SetRecordStarred(ctx, rec.ID, *req.Starred); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// PinResponse reports the ledger outcome for a pin or unpin call.
type PinResponse struct {
	Pinned         bool `json:"pinned"`
	StorePinCalled bool `json:"store_pin_called,omitempty"`
	StoreUnpinned  bool `json:"store_unpin_called,omitempty"`
}

func (h *Handler) handlePin(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownedRecord(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.Deleted {
		writeError(w, faults.Validation("record %s is in the trash", rec.ID))
		return
	}

	// Pinning is privileged: blocked accounts may not grow their footprint.
	if err := h.billing.Gate(r.Context(), Subject(r)); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.ledger.RequestPin(r.Context(), rec.Address, rec.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PinResponse{Pinned: true, StorePinCalled: result.StorePinCalled})
}

func (h *Handler) handleUnpin(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownedRecord(r, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.ledger.ReleasePin(r.Context(), rec.Address, rec.ID, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PinResponse{Pinned: false, StoreUnpinned: result.StoreUnpinCalled})
}

func (h *Handler) handleTrashRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.trash.TrashRecord(r.Context(), Subject(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTrashFolder(w http.ResponseWriter, r *http.Request) {
	if err := h.trash.TrashFolder(r.Context(), Subject(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TrashItemResponse is one entry in the trash listing.
type TrashItemResponse struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "record" or "folder"
	Name      string    `json:"name"`
	Size      int64     `json:"size,omitempty"`
	Pinned    bool      `json:"pinned,omitempty"`
	DeletedAt time.Time `json:"deleted_at"`
}

func (h *Handler) handleTrashList(w http.ResponseWriter, r *http.Request) {
	listing, err := h.trash.List(r.Context(), Subject(r))
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]TrashItemResponse, 0, len(listing.Records)+len(listing.Folders))
	for _, f := range listing.Folders {
		items = append(items, TrashItemResponse{
			ID: f.ID, Type: "folder", Name: f.Name, DeletedAt: f.DeletedAt,
		})
	}
	for _, rec := range listing.Records {
		items = append(items, TrashItemResponse{
			ID: rec.ID, Type: "record", Name: rec.Name, Size: rec.Size,
			Pinned: rec.Pinned, DeletedAt: rec.DeletedAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// isRecord reports whether the id names a record row. Ids are unique across
// records and folders (both are UUIDs), so a miss means folder-or-gone.
func (h *Handler) isRecord(r *http.Request, id string) (bool, error) {
	_, err := h.store.GetRecord(r.Context(), id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// handleRestore restores a trashed record or folder by id. An id the sweep
// already removed restores nothing and still succeeds.
func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	owner := Subject(r)
	id := r.PathValue("id")

	isRec, err := h.isRecord(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if isRec {
		err = h.trash.RestoreRecord(r.Context(), owner, id)
	} else {
		err = h.trash.RestoreFolder(r.Context(), owner, id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePermanentDelete(w http.ResponseWriter, r *http.Request) {
	owner := Subject(r)
	id := r.PathValue("id")

	isRec, err := h.isRecord(r, id)
	if err != nil {
		writeError(w, err)
		return
	}
	var sum *trash.Summary
	if isRec {
		sum, err = h.trash.PermanentlyDeleteRecord(r.Context(), owner, id)
	} else {
		sum, err = h.trash.PermanentlyDeleteFolder(r.Context(), owner, id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
