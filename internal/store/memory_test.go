package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/acervolabs/acervo/internal/store"
	"github.com/acervolabs/acervo/pkg/models"
)

func newLibrary(t *testing.T, s *store.MemoryStore, name string) *models.Library {
	t.Helper()
	lib := &models.Library{Name: name, SemanticWeight: 0.5, TextWeight: 0.5}
	if err := s.CreateLibrary(context.Background(), lib); err != nil {
		t.Fatalf("CreateLibrary() error = %v", err)
	}
	return lib
}

func newDocument(t *testing.T, s *store.MemoryStore, libID int64, title string) *models.Document {
	t.Helper()
	doc := &models.Document{LibraryID: libID, Title: title, Content: "body"}
	if err := s.CreateDocument(context.Background(), doc); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	return doc
}

// ─── Libraries ───────────────────────────────────────────────

func TestLibrary_CreateAndGet(t *testing.T) {
	s := store.NewMemoryStore()
	lib := newLibrary(t, s, "case-law")

	if lib.UUID == "" {
		t.Fatal("CreateLibrary() did not assign a UUID")
	}
	got, err := s.GetLibrary(context.Background(), lib.UUID)
	if err != nil {
		t.Fatalf("GetLibrary() error = %v", err)
	}
	if got.Name != "case-law" {
		t.Errorf("Name = %q, want case-law", got.Name)
	}
	if !got.Active {
		t.Error("new library should be active")
	}
}

func TestLibrary_DuplicateUUIDConflicts(t *testing.T) {
	s := store.NewMemoryStore()
	lib := newLibrary(t, s, "one")

	err := s.CreateLibrary(context.Background(), &models.Library{UUID: lib.UUID, Name: "two"})
	var conflict *store.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("CreateLibrary(dup) error = %v, want ErrConflict", err)
	}
}

func TestLibrary_GetMissing(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.GetLibrary(context.Background(), "nope")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetLibrary(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLibrary_HardDeleteCascades(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "doomed")
	doc := newDocument(t, s, lib.ID, "Doc")

	chapters, err := s.ReplaceChapters(ctx, doc.ID, []models.Chapter{{Title: "C1", Content: "text"}})
	if err != nil {
		t.Fatalf("ReplaceChapters() error = %v", err)
	}
	err = s.InsertEmbeddings(ctx, []models.DocumentEmbedding{
		{LibraryID: lib.ID, DocumentID: doc.ID, ChapterID: chapters[0].ID, Text: "t", Vector: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("InsertEmbeddings() error = %v", err)
	}

	if err := s.DeleteLibrary(ctx, lib.UUID, true); err != nil {
		t.Fatalf("DeleteLibrary(hard) error = %v", err)
	}
	if _, err := s.GetDocument(ctx, doc.ID); err == nil {
		t.Error("document survived hard library delete")
	}
	records, _ := s.ListEmbeddingsByDocument(ctx, doc.ID)
	if len(records) != 0 {
		t.Errorf("embeddings survived hard library delete: %d", len(records))
	}
}

func TestLibrary_SoftDeleteDeactivates(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "kept")

	if err := s.DeleteLibrary(ctx, lib.UUID, false); err != nil {
		t.Fatalf("DeleteLibrary(soft) error = %v", err)
	}
	got, err := s.GetLibrary(ctx, lib.UUID)
	if err != nil {
		t.Fatalf("GetLibrary() after soft delete error = %v", err)
	}
	if got.Active {
		t.Error("soft-deleted library still active")
	}
}

// ─── Documents ───────────────────────────────────────────────

func TestDocument_LifecycleDefaults(t *testing.T) {
	s := store.NewMemoryStore()
	lib := newLibrary(t, s, "lib")
	doc := newDocument(t, s, lib.ID, "Doc")

	if doc.Status != models.StatusPending {
		t.Errorf("Status = %q, want PENDING", doc.Status)
	}
	if doc.Active {
		t.Error("new document must start inactive")
	}
	if doc.LibraryUUID != lib.UUID {
		t.Errorf("LibraryUUID = %q, want %q", doc.LibraryUUID, lib.UUID)
	}
}

// TestDocument_CompleteDeactivatesSibling pins the at-most-one-active rule:
// completing a new version of a title retires the old one atomically.
func TestDocument_CompleteDeactivatesSibling(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "lib")
	v1 := newDocument(t, s, lib.ID, "Norma 8.112")
	v2 := newDocument(t, s, lib.ID, "Norma 8.112")

	if err := s.CompleteDocument(ctx, v1.ID, 100); err != nil {
		t.Fatalf("CompleteDocument(v1) error = %v", err)
	}
	if err := s.CompleteDocument(ctx, v2.ID, 120); err != nil {
		t.Fatalf("CompleteDocument(v2) error = %v", err)
	}

	got1, _ := s.GetDocument(ctx, v1.ID)
	got2, _ := s.GetDocument(ctx, v2.ID)
	if got1.Active {
		t.Error("v1 still active after v2 completed")
	}
	if !got2.Active {
		t.Error("v2 not active after completion")
	}
	if got2.Status != models.StatusCompleted || got2.Progress != 100 {
		t.Errorf("v2 status/progress = %s/%d, want COMPLETED/100", got2.Status, got2.Progress)
	}
	if got2.TotalTokens != 120 {
		t.Errorf("v2 TotalTokens = %d, want 120", got2.TotalTokens)
	}
}

func TestDocument_ReactivationSwapsSibling(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "lib")
	v1 := newDocument(t, s, lib.ID, "Same Title")
	v2 := newDocument(t, s, lib.ID, "Same Title")
	if err := s.CompleteDocument(ctx, v2.ID, 10); err != nil {
		t.Fatalf("CompleteDocument() error = %v", err)
	}

	if err := s.SetDocumentActive(ctx, v1.ID, true); err != nil {
		t.Fatalf("SetDocumentActive() error = %v", err)
	}
	got2, _ := s.GetDocument(ctx, v2.ID)
	if got2.Active {
		t.Error("activating v1 did not deactivate v2")
	}
}

func TestDocument_HardDeleteCascades(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "lib")
	doc := newDocument(t, s, lib.ID, "Doc")

	chapters, err := s.ReplaceChapters(ctx, doc.ID, []models.Chapter{{Title: "C1"}, {Title: "C2", OrderIndex: 1}})
	if err != nil {
		t.Fatalf("ReplaceChapters() error = %v", err)
	}
	err = s.InsertEmbeddings(ctx, []models.DocumentEmbedding{
		{LibraryID: lib.ID, DocumentID: doc.ID, ChapterID: chapters[0].ID, Text: "a", Vector: []float32{1, 0}},
		{LibraryID: lib.ID, DocumentID: doc.ID, ChapterID: chapters[1].ID, Text: "b", Vector: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("InsertEmbeddings() error = %v", err)
	}

	if err := s.DeleteDocument(ctx, doc.ID, true); err != nil {
		t.Fatalf("DeleteDocument(hard) error = %v", err)
	}
	if got, _ := s.ListChapters(ctx, doc.ID); len(got) != 0 {
		t.Errorf("chapters survived hard delete: %d", len(got))
	}
	if got, _ := s.ListEmbeddingsByDocument(ctx, doc.ID); len(got) != 0 {
		t.Errorf("embeddings survived hard delete: %d", len(got))
	}
}

// ─── Chapters ────────────────────────────────────────────────

func TestReplaceChapters_SwapDropsOldEmbeddings(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "lib")
	doc := newDocument(t, s, lib.ID, "Doc")

	first, err := s.ReplaceChapters(ctx, doc.ID, []models.Chapter{{Title: "Old"}})
	if err != nil {
		t.Fatalf("ReplaceChapters() error = %v", err)
	}
	err = s.InsertEmbeddings(ctx, []models.DocumentEmbedding{
		{LibraryID: lib.ID, DocumentID: doc.ID, ChapterID: first[0].ID, Text: "old", Vector: []float32{1}},
	})
	if err != nil {
		t.Fatalf("InsertEmbeddings() error = %v", err)
	}

	second, err := s.ReplaceChapters(ctx, doc.ID, []models.Chapter{{Title: "New A"}, {Title: "New B", OrderIndex: 1}})
	if err != nil {
		t.Fatalf("ReplaceChapters(swap) error = %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("len(chapters) = %d, want 2", len(second))
	}
	if second[0].ID == first[0].ID {
		t.Error("replacement chapter reused the old id")
	}
	if records, _ := s.ListEmbeddingsByDocument(ctx, doc.ID); len(records) != 0 {
		t.Errorf("old embeddings survived the swap: %d", len(records))
	}

	listed, _ := s.ListChapters(ctx, doc.ID)
	if len(listed) != 2 || listed[0].Title != "New A" || listed[1].Title != "New B" {
		t.Errorf("ListChapters() = %+v, want New A then New B", listed)
	}
}

func TestUpdateChapterSummary(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "lib")
	doc := newDocument(t, s, lib.ID, "Doc")
	chapters, _ := s.ReplaceChapters(ctx, doc.ID, []models.Chapter{{Title: "C"}})

	if err := s.UpdateChapterSummary(ctx, chapters[0].ID, "a summary"); err != nil {
		t.Fatalf("UpdateChapterSummary() error = %v", err)
	}
	listed, _ := s.ListChapters(ctx, doc.ID)
	if listed[0].Summary != "a summary" {
		t.Errorf("Summary = %q, want %q", listed[0].Summary, "a summary")
	}
}

// ─── Embeddings ──────────────────────────────────────────────

func TestInsertEmbeddings_DimensionMustBeUniform(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "lib")
	doc := newDocument(t, s, lib.ID, "Doc")

	err := s.InsertEmbeddings(ctx, []models.DocumentEmbedding{
		{LibraryID: lib.ID, DocumentID: doc.ID, Text: "a", Vector: []float32{1, 0, 0}},
	})
	if err != nil {
		t.Fatalf("InsertEmbeddings() error = %v", err)
	}

	err = s.InsertEmbeddings(ctx, []models.DocumentEmbedding{
		{LibraryID: lib.ID, DocumentID: doc.ID, Text: "b", Vector: []float32{1, 0}},
	})
	if err == nil {
		t.Fatal("InsertEmbeddings() accepted a mismatched vector dimension")
	}

	count, _ := s.CountEmbeddings(ctx, lib.ID)
	if count != 1 {
		t.Errorf("CountEmbeddings() = %d, want 1", count)
	}
}

// ─── Associations ────────────────────────────────────────────

func TestAssociations_CreateListDelete(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "lib")

	assoc := &models.UserLibraryAssociation{UserID: "u1", LibraryUUID: lib.UUID, Role: models.RoleReader}
	if err := s.CreateAssociation(ctx, assoc); err != nil {
		t.Fatalf("CreateAssociation() error = %v", err)
	}

	var conflict *store.ErrConflict
	if err := s.CreateAssociation(ctx, assoc); !errors.As(err, &conflict) {
		t.Fatalf("duplicate association error = %v, want ErrConflict", err)
	}

	listed, err := s.ListAssociationsByUser(ctx, "u1")
	if err != nil || len(listed) != 1 {
		t.Fatalf("ListAssociationsByUser() = %v, %v, want 1 association", listed, err)
	}

	if err := s.DeleteAssociation(ctx, "u1", lib.UUID); err != nil {
		t.Fatalf("DeleteAssociation() error = %v", err)
	}
	var nf *store.ErrNotFound
	if err := s.DeleteAssociation(ctx, "u1", lib.UUID); !errors.As(err, &nf) {
		t.Fatalf("second DeleteAssociation() error = %v, want ErrNotFound", err)
	}
}

func TestAssociations_UnknownLibrary(t *testing.T) {
	s := store.NewMemoryStore()
	err := s.CreateAssociation(context.Background(), &models.UserLibraryAssociation{UserID: "u1", LibraryUUID: "missing"})
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("CreateAssociation(unknown library) error = %v, want ErrNotFound", err)
	}
}

// ─── Search candidates ───────────────────────────────────────

func TestSearchCandidates_RanksBothSignals(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "lib")
	doc := newDocument(t, s, lib.ID, "Doc")

	err := s.InsertEmbeddings(ctx, []models.DocumentEmbedding{
		{LibraryID: lib.ID, DocumentID: doc.ID, Text: "processo administrativo federal", Vector: []float32{1, 0}},
		{LibraryID: lib.ID, DocumentID: doc.ID, Text: "conteúdo sem relação", Vector: []float32{0.9, 0.1}},
	})
	if err != nil {
		t.Fatalf("InsertEmbeddings() error = %v", err)
	}

	set, err := s.SearchCandidates(ctx, store.CandidateQuery{
		Vector:     []float32{1, 0},
		Text:       "processo administrativo",
		LibraryIDs: []int64{lib.ID},
		Limit:      10,
		Semantic:   true,
		Lexical:    true,
	})
	if err != nil {
		t.Fatalf("SearchCandidates() error = %v", err)
	}

	if len(set.Semantic) != 2 {
		t.Fatalf("len(Semantic) = %d, want 2", len(set.Semantic))
	}
	if set.Semantic[0].Rank != 1 || set.Semantic[1].Rank != 2 {
		t.Errorf("semantic ranks = %d,%d, want 1,2", set.Semantic[0].Rank, set.Semantic[1].Rank)
	}
	if set.Semantic[0].Embedding.Text != "processo administrativo federal" {
		t.Errorf("best semantic candidate = %q", set.Semantic[0].Embedding.Text)
	}
	if len(set.Lexical) != 1 {
		t.Fatalf("len(Lexical) = %d, want 1", len(set.Lexical))
	}
	if set.Lexical[0].LibraryUUID != lib.UUID {
		t.Errorf("lexical candidate library = %q, want %q", set.Lexical[0].LibraryUUID, lib.UUID)
	}
}

func TestSearchCandidates_ActiveOnlyFilters(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	lib := newLibrary(t, s, "lib")
	doc := newDocument(t, s, lib.ID, "Doc")

	err := s.InsertEmbeddings(ctx, []models.DocumentEmbedding{
		{LibraryID: lib.ID, DocumentID: doc.ID, Text: "processo", Vector: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("InsertEmbeddings() error = %v", err)
	}

	set, err := s.SearchCandidates(ctx, store.CandidateQuery{
		Vector: []float32{1, 0}, Text: "processo",
		LibraryIDs: []int64{lib.ID}, Limit: 10, ActiveOnly: true,
		Semantic: true, Lexical: true,
	})
	if err != nil {
		t.Fatalf("SearchCandidates() error = %v", err)
	}
	if len(set.Semantic) != 0 || len(set.Lexical) != 0 {
		t.Error("inactive document leaked into active-only candidates")
	}

	if err := s.CompleteDocument(ctx, doc.ID, 1); err != nil {
		t.Fatalf("CompleteDocument() error = %v", err)
	}
	set, _ = s.SearchCandidates(ctx, store.CandidateQuery{
		Vector: []float32{1, 0}, Text: "processo",
		LibraryIDs: []int64{lib.ID}, Limit: 10, ActiveOnly: true,
		Semantic: true, Lexical: true,
	})
	if len(set.Semantic) != 1 {
		t.Errorf("len(Semantic) after activation = %d, want 1", len(set.Semantic))
	}
}
