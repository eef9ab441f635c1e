package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"pinvault/internal/faults"
	"pinvault/internal/logging"
	"pinvault/internal/store"
	"pinvault/internal/uploads"
)

// RecordResponse is the content record payload.
type RecordResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	Size           int64     `json:"size"`
	Mime           string    `json:"mime,omitempty"`
	ParentFolderID string    `json:"parent_folder_id,omitempty"`
	Starred        bool      `json:"starred"`
	Pinned         bool      `json:"pinned"`
	CreatedAt      time.Time `json:"created_at"`
}

func recordResponse(rec *store.ContentRecord) *RecordResponse {
	return &RecordResponse{
		ID:             rec.ID,
		Name:           rec.Name,
		Address:        rec.Address,
		Size:           rec.Size,
		Mime:           rec.Mime,
		ParentFolderID: rec.ParentFolderID,
		Starred:        rec.Starred,
		Pinned:         rec.Pinned,
		CreatedAt:      rec.CreatedAt,
	}
}

// ConflictResponse reports an unresolved name conflict. The caller retries
// with ?on_conflict=REPLACE|KEEP_BOTH or gives up.
type ConflictResponse struct {
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Existing *RecordResponse `json:"existing"`
}

// UploadResponse is the outcome of one upload item.
type UploadResponse struct {
	Record  *RecordResponse `json:"record,omitempty"`
	Skipped bool            `json:"skipped,omitempty"`
	Renamed bool            `json:"renamed,omitempty"`
}

func parsePin(raw string) bool {
	return raw == "1" || raw == "true"
}

func parseAction(raw string) (uploads.Action, error) {
	switch strings.ToUpper(raw) {
	case "":
		return "", nil
	case string(uploads.ActionReplace):
		return uploads.ActionReplace, nil
	case string(uploads.ActionKeepBoth):
		return uploads.ActionKeepBoth, nil
	case string(uploads.ActionCancel):
		return uploads.ActionCancel, nil
	}
	return "", faults.Validation("unknown on_conflict value %q", raw)
}

// handleUpload ingests a single file from the raw request body. The file name
// and options arrive as query parameters so the body can stream straight into
// the content store.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner := Subject(r)
	if err := h.billing.Gate(r.Context(), owner); err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	resolution, err := parseAction(q.Get("on_conflict"))
	if err != nil {
		writeError(w, err)
		return
	}

	req := &uploads.Request{
		OwnerID:        owner,
		ParentFolderID: q.Get("folder"),
		Name:           q.Get("name"),
		Mime:           r.Header.Get("Content-Type"),
		Pin:            parsePin(q.Get("pin")),
		Data:           http.MaxBytesReader(w, r.Body, MaxUploadSize),
		Resolution:     resolution,
	}

	result, err := h.uploads.Upload(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if result.Conflict != nil {
		writeJSON(w, http.StatusConflict, ConflictResponse{
			Code:     faults.CodeConflict,
			Message:  "an active item with this name already exists",
			Existing: recordResponse(result.Conflict),
		})
		return
	}
	if result.Skipped {
		writeJSON(w, http.StatusOK, UploadResponse{Skipped: true})
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{Record: recordResponse(result.Record), Renamed: result.Renamed})
}

// batchDirective is the wire form of a per-item conflict answer, keyed by
// file name in the directives part.
type batchDirective struct {
	Action     string `json:"action"`
	ApplyToAll bool   `json:"apply_to_all"`
	CancelAll  bool   `json:"cancel_all"`
}

// BatchItemResponse is the outcome of one item in a batch upload.
type BatchItemResponse struct {
	Name     string          `json:"name"`
	Record   *RecordResponse `json:"record,omitempty"`
	Conflict *RecordResponse `json:"conflict,omitempty"`
	Skipped  bool            `json:"skipped,omitempty"`
	Renamed  bool            `json:"renamed,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// handleUploadBatch ingests a multipart batch. An optional leading part named
// "directives" carries a JSON object mapping file names to conflict answers;
// every following part is a file. Items without a directive that hit a
// conflict are reported back unresolved.
func (h *Handler) handleUploadBatch(w http.ResponseWriter, r *http.Request) {
	owner := Subject(r)
	if err := h.billing.Gate(r.Context(), owner); err != nil {
		writeError(w, err)
		return
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		writeError(w, faults.Validation("expected multipart request"))
		return
	}

	q := r.URL.Query()
	batch := h.uploads.NewBatch(owner, q.Get("folder"), parsePin(q.Get("pin")))
	directives := map[string]batchDirective{}

	reader := multipart.NewReader(http.MaxBytesReader(w, r.Body, MaxUploadSize), params["boundary"])
	var results []BatchItemResponse
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, faults.Validation("malformed multipart body"))
			return
		}

		if part.FormName() == "directives" {
			if err := json.NewDecoder(part).Decode(&directives); err != nil {
				part.Close()
				writeError(w, faults.Validation("invalid directives part"))
				return
			}
			part.Close()
			continue
		}

		name := part.FileName()
		if name == "" {
			name = part.FormName()
		}

		d := directives[name]
		action, err := parseAction(d.Action)
		if err != nil {
			part.Close()
			writeError(w, err)
			return
		}

		result, err := batch.Add(r.Context(), name, part.Header.Get("Content-Type"), part, uploads.Directive{
			Action:     action,
			ApplyToAll: d.ApplyToAll,
			CancelAll:  d.CancelAll,
		})
		part.Close()

		item := BatchItemResponse{Name: name}
		switch {
		case err != nil:
			logging.HTTP.Printf("batch item %q failed: %v", name, err)
			item.Error = faults.Code(err)
			if item.Error == "" {
				item.Error = "INTERNAL"
			}
		case result.Conflict != nil:
			item.Conflict = recordResponse(result.Conflict)
		case result.Skipped:
			item.Skipped = true
		default:
			item.Record = recordResponse(result.Record)
			item.Renamed = result.Renamed
		}
		results = append(results, item)
	}

	writeJSON(w, http.StatusOK, results)
}
