package uploads

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pinvault/internal/blob"
	"pinvault/internal/faults"
	"pinvault/internal/ledger"
	"pinvault/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore, *blob.FSStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	return NewService(st, blobs, ledger.New(st, blobs)), st, blobs
}

func req(owner, name, content string) *Request {
	return &Request{
		OwnerID: owner,
		Name:    name,
		Mime:    "text/plain",
		Data:    strings.NewReader(content),
	}
}

func TestUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("Basic", func(t *testing.T) {
		svc, st, _ := newTestService(t)

		result, err := svc.Upload(ctx, req("alice", "notes.txt", "hello"))
		if err != nil {
			t.Fatalf("upload failed: %v", err)
		}
		if result.Record == nil || result.Conflict != nil || result.Skipped {
			t.Fatalf("got %+v", result)
		}
		if result.Record.Size != 5 || result.Record.Pinned {
			t.Errorf("got %+v", result.Record)
		}

		stored, err := st.GetRecord(ctx, result.Record.ID)
		if err != nil {
			t.Fatalf("record not persisted: %v", err)
		}
		if stored.Address != result.Record.Address {
			t.Errorf("address mismatch")
		}
	})

	t.Run("WithPin", func(t *testing.T) {
		svc, st, blobs := newTestService(t)
		r := req("alice", "pinned.txt", "keep me")
		r.Pin = true

		result, err := svc.Upload(ctx, r)
		if err != nil {
			t.Fatalf("upload failed: %v", err)
		}
		if !result.Record.Pinned {
			t.Error("expected pinned record")
		}
		stored, _ := st.GetRecord(ctx, result.Record.ID)
		if !stored.Pinned {
			t.Error("expected pinned flag persisted")
		}
		pinned, _ := blobs.IsPinned(ctx, result.Record.Address)
		if !pinned {
			t.Error("expected blob pinned")
		}
	})

	t.Run("SharedContentDedups", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		first, _ := svc.Upload(ctx, req("alice", "one.txt", "same bytes"))
		second, err := svc.Upload(ctx, req("bob", "two.txt", "same bytes"))
		if err != nil {
			t.Fatalf("upload failed: %v", err)
		}
		if first.Record.Address != second.Record.Address {
			t.Error("identical content should share one address")
		}
	})

	t.Run("InvalidNames", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		for _, name := range []string{"", "has/slash", strings.Repeat("x", 256)} {
			_, err := svc.Upload(ctx, req("alice", name, "data"))
			if faults.Code(err) != faults.CodeValidation {
				t.Errorf("name %q: expected validation fault, got %v", name, err)
			}
		}
	})

	t.Run("ParentFolderChecks", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		st.InsertFolder(ctx, &store.FolderRecord{
			ID: "f-bob", OwnerID: "bob", Name: "private", CreatedAt: time.Now().UTC(),
		})
		st.InsertFolder(ctx, &store.FolderRecord{
			ID: "f-trashed", OwnerID: "alice", Name: "binned",
			Deleted: true, DeletedAt: time.Now().UTC(), CreatedAt: time.Now().UTC(),
		})

		cases := []struct {
			folder string
			code   string
		}{
			{"missing", faults.CodeNotFound},
			{"f-bob", faults.CodeNotOwner},
			{"f-trashed", faults.CodeValidation},
		}
		for _, tc := range cases {
			r := req("alice", "doc.txt", "data")
			r.ParentFolderID = tc.folder
			_, err := svc.Upload(ctx, r)
			if faults.Code(err) != tc.code {
				t.Errorf("folder %q: expected %s, got %v", tc.folder, tc.code, err)
			}
		}
	})
}

func TestUploadConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("UnresolvedReportsConflict", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		first, _ := svc.Upload(ctx, req("alice", "report.pdf", "v1"))

		result, err := svc.Upload(ctx, req("alice", "report.pdf", "v2"))
		if err != nil {
			t.Fatalf("upload failed: %v", err)
		}
		if result.Record != nil || result.Conflict == nil {
			t.Fatalf("got %+v", result)
		}
		if result.Conflict.ID != first.Record.ID {
			t.Errorf("conflict points at %s, want %s", result.Conflict.ID, first.Record.ID)
		}
	})

	t.Run("ConflictIsCaseInsensitive", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		svc.Upload(ctx, req("alice", "Report.PDF", "v1"))

		result, _ := svc.Upload(ctx, req("alice", "report.pdf", "v2"))
		if result.Conflict == nil {
			t.Error("expected case-insensitive conflict")
		}
	})

	t.Run("TrashedSiblingDoesNotConflict", func(t *testing.T) {
		svc, st, _ := newTestService(t)
		first, _ := svc.Upload(ctx, req("alice", "report.pdf", "v1"))
		st.SetRecordDeleted(ctx, first.Record.ID, true, time.Now().UTC())

		result, err := svc.Upload(ctx, req("alice", "report.pdf", "v2"))
		if err != nil || result.Record == nil {
			t.Errorf("got %+v (err %v)", result, err)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		svc.Upload(ctx, req("alice", "report.pdf", "v1"))

		r := req("alice", "report.pdf", "v2")
		r.Resolution = ActionCancel
		result, err := svc.Upload(ctx, r)
		if err != nil || !result.Skipped {
			t.Errorf("got %+v (err %v)", result, err)
		}
	})

	t.Run("ReplaceReleasesPin", func(t *testing.T) {
		svc, st, blobs := newTestService(t)
		first := req("alice", "report.pdf", "v1")
		first.Pin = true
		old, _ := svc.Upload(ctx, first)

		r := req("alice", "report.pdf", "v2 content")
		r.Resolution = ActionReplace
		result, err := svc.Upload(ctx, r)
		if err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		if result.Record == nil || result.Renamed {
			t.Fatalf("got %+v", result)
		}

		if _, err := st.GetRecord(ctx, old.Record.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("replaced record should be gone, got %v", err)
		}
		// The old pin was the last reference to the old content.
		pinned, _ := blobs.IsPinned(ctx, old.Record.Address)
		if pinned {
			t.Error("old content should be unpinned after replace")
		}
	})

	t.Run("KeepBothProbesSmallestFreeName", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		svc.Upload(ctx, req("alice", "report.pdf", "v1"))

		r := req("alice", "report.pdf", "v2")
		r.Resolution = ActionKeepBoth
		result, err := svc.Upload(ctx, r)
		if err != nil {
			t.Fatalf("keep-both failed: %v", err)
		}
		if !result.Renamed || result.Record.Name != "report (1).pdf" {
			t.Errorf("got name %q, want report (1).pdf", result.Record.Name)
		}

		// With (1) taken the next collision probes to (2).
		r2 := req("alice", "report.pdf", "v3")
		r2.Resolution = ActionKeepBoth
		result, err = svc.Upload(ctx, r2)
		if err != nil {
			t.Fatalf("keep-both failed: %v", err)
		}
		if result.Record.Name != "report (2).pdf" {
			t.Errorf("got name %q, want report (2).pdf", result.Record.Name)
		}
	})

	t.Run("KeepBothWithoutExtension", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		svc.Upload(ctx, req("alice", "Makefile", "v1"))

		r := req("alice", "Makefile", "v2")
		r.Resolution = ActionKeepBoth
		result, err := svc.Upload(ctx, r)
		if err != nil {
			t.Fatalf("keep-both failed: %v", err)
		}
		if result.Record.Name != "Makefile (1)" {
			t.Errorf("got name %q, want Makefile (1)", result.Record.Name)
		}
	})

	t.Run("UnknownResolution", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		svc.Upload(ctx, req("alice", "report.pdf", "v1"))

		r := req("alice", "report.pdf", "v2")
		r.Resolution = Action("MERGE")
		_, err := svc.Upload(ctx, r)
		if faults.Code(err) != faults.CodeValidation {
			t.Errorf("expected validation fault, got %v", err)
		}
	})
}

func TestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("ApplyToAllSticks", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		svc.Upload(ctx, req("alice", "a.txt", "old a"))
		svc.Upload(ctx, req("alice", "b.txt", "old b"))

		batch := svc.NewBatch("alice", "", false)

		// The triggering item takes the sticky action too.
		result, err := batch.Add(ctx, "a.txt", "text/plain", strings.NewReader("new a"),
			Directive{Action: ActionKeepBoth, ApplyToAll: true})
		if err != nil {
			t.Fatalf("batch add failed: %v", err)
		}
		if !result.Renamed || result.Record.Name != "a (1).txt" {
			t.Errorf("got %+v", result)
		}

		// Later conflicts reuse the decision without a directive.
		result, err = batch.Add(ctx, "b.txt", "text/plain", strings.NewReader("new b"), Directive{})
		if err != nil {
			t.Fatalf("batch add failed: %v", err)
		}
		if result.Conflict != nil || result.Record.Name != "b (1).txt" {
			t.Errorf("got %+v", result)
		}
	})

	t.Run("CancelAllSkipsRemainingConflicts", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		svc.Upload(ctx, req("alice", "a.txt", "old a"))
		svc.Upload(ctx, req("alice", "b.txt", "old b"))

		batch := svc.NewBatch("alice", "", false)

		result, err := batch.Add(ctx, "a.txt", "text/plain", strings.NewReader("new a"),
			Directive{CancelAll: true})
		if err != nil || !result.Skipped {
			t.Fatalf("got %+v (err %v)", result, err)
		}

		result, err = batch.Add(ctx, "b.txt", "text/plain", strings.NewReader("new b"), Directive{})
		if err != nil || !result.Skipped {
			t.Errorf("got %+v (err %v)", result, err)
		}

		// Non-conflicting items still go through.
		result, err = batch.Add(ctx, "c.txt", "text/plain", strings.NewReader("new c"), Directive{})
		if err != nil || result.Record == nil || result.Skipped {
			t.Errorf("got %+v (err %v)", result, err)
		}
	})

	t.Run("UnresolvedConflictReportedPerItem", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		svc.Upload(ctx, req("alice", "a.txt", "old a"))

		batch := svc.NewBatch("alice", "", false)
		result, err := batch.Add(ctx, "a.txt", "text/plain", strings.NewReader("new a"), Directive{})
		if err != nil {
			t.Fatalf("batch add failed: %v", err)
		}
		if result.Conflict == nil {
			t.Errorf("got %+v", result)
		}
	})

	t.Run("PinnedBatch", func(t *testing.T) {
		svc, _, blobs := newTestService(t)
		batch := svc.NewBatch("alice", "", true)

		result, err := batch.Add(ctx, "a.txt", "text/plain", strings.NewReader("data"), Directive{})
		if err != nil {
			t.Fatalf("batch add failed: %v", err)
		}
		pinned, _ := blobs.IsPinned(ctx, result.Record.Address)
		if !result.Record.Pinned || !pinned {
			t.Error("expected pinned upload")
		}
	})
}
