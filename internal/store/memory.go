package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acervolabs/acervo/pkg/models"
)

// MemoryStore is a map-backed Store used by tests and zero-config runs.
// Semantic candidate ranking uses exact cosine similarity; lexical ranking
// approximates the database's web-style matching with case-insensitive
// token overlap.
type MemoryStore struct {
	mu sync.RWMutex

	libraries  map[int64]*models.Library
	documents  map[int64]*models.Document
	chapters   map[int64]*models.Chapter
	embeddings map[int64]*models.DocumentEmbedding
	assocs     map[string]*models.UserLibraryAssociation

	nextLibrary   int64
	nextDocument  int64
	nextChapter   int64
	nextEmbedding int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		libraries:  make(map[int64]*models.Library),
		documents:  make(map[int64]*models.Document),
		chapters:   make(map[int64]*models.Chapter),
		embeddings: make(map[int64]*models.DocumentEmbedding),
		assocs:     make(map[string]*models.UserLibraryAssociation),
	}
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Close() error                  { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// ── Library ─────────────────────────────────────────────────

func (s *MemoryStore) CreateLibrary(_ context.Context, lib *models.Library) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lib.UUID == "" {
		lib.UUID = uuid.NewString()
	}
	for _, existing := range s.libraries {
		if existing.UUID == lib.UUID {
			return &ErrConflict{Entity: "library", Key: lib.UUID}
		}
	}
	if lib.Metadata == nil {
		lib.Metadata = map[string]string{}
	}
	s.nextLibrary++
	lib.ID = s.nextLibrary
	lib.Active = true
	lib.CreatedAt = time.Now().UTC()
	lib.UpdatedAt = lib.CreatedAt

	cp := *lib
	s.libraries[lib.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLibrary(_ context.Context, libUUID string) (*models.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, lib := range s.libraries {
		if lib.UUID == libUUID {
			cp := *lib
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "library", Key: libUUID}
}

func (s *MemoryStore) GetLibraryByID(_ context.Context, id int64) (*models.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lib, ok := s.libraries[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "library", Key: fmt.Sprint(id)}
	}
	cp := *lib
	return &cp, nil
}

func (s *MemoryStore) UpdateLibrary(_ context.Context, lib *models.Library) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.libraries {
		if existing.UUID == lib.UUID {
			cp := *lib
			cp.ID = id
			cp.CreatedAt = existing.CreatedAt
			cp.UpdatedAt = time.Now().UTC()
			s.libraries[id] = &cp
			lib.ID = id
			lib.UpdatedAt = cp.UpdatedAt
			return nil
		}
	}
	return &ErrNotFound{Entity: "library", Key: lib.UUID}
}

func (s *MemoryStore) DeleteLibrary(_ context.Context, libUUID string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, lib := range s.libraries {
		if lib.UUID != libUUID {
			continue
		}
		if !hard {
			lib.Active = false
			lib.UpdatedAt = time.Now().UTC()
			return nil
		}
		delete(s.libraries, id)
		for docID, doc := range s.documents {
			if doc.LibraryID == id {
				s.deleteDocumentCascade(docID)
			}
		}
		for key, a := range s.assocs {
			if a.LibraryUUID == libUUID {
				delete(s.assocs, key)
			}
		}
		return nil
	}
	return &ErrNotFound{Entity: "library", Key: libUUID}
}

func (s *MemoryStore) ListLibraries(context.Context) ([]models.Library, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	libs := make([]models.Library, 0, len(s.libraries))
	for _, lib := range s.libraries {
		libs = append(libs, *lib)
	}
	sort.Slice(libs, func(i, j int) bool { return libs[i].ID < libs[j].ID })
	return libs, nil
}

// ── Document ────────────────────────────────────────────────

func (s *MemoryStore) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lib, ok := s.libraries[doc.LibraryID]
	if !ok {
		return &ErrNotFound{Entity: "library", Key: fmt.Sprint(doc.LibraryID)}
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	if doc.ContentType == "" {
		doc.ContentType = models.ContentGeneric
	}
	s.nextDocument++
	doc.ID = s.nextDocument
	doc.LibraryUUID = lib.UUID
	doc.Active = false
	doc.Status = models.StatusPending
	doc.Progress = 0
	doc.CreatedAt = time.Now().UTC()
	doc.UpdatedAt = doc.CreatedAt

	cp := *doc
	s.documents[doc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id int64) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
	}
	cp := *doc
	return &cp, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, libraryID int64) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var docs []models.Document
	for _, doc := range s.documents {
		if doc.LibraryID == libraryID {
			docs = append(docs, *doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *MemoryStore) UpdateDocumentStatus(_ context.Context, id int64, status models.DocumentStatus, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
	}
	doc.Status = status
	doc.Progress = progress
	doc.Message = message
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CompleteDocument(_ context.Context, id int64, totalTokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
	}
	s.deactivateSiblings(doc)
	doc.Active = true
	doc.Status = models.StatusCompleted
	doc.Progress = 100
	doc.Message = ""
	doc.TotalTokens = totalTokens
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetDocumentActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
	}
	if active {
		s.deactivateSiblings(doc)
	}
	doc.Active = active
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// deactivateSiblings clears the active flag on every other document with
// the same (library, title). Callers hold the write lock.
func (s *MemoryStore) deactivateSiblings(doc *models.Document) {
	for _, other := range s.documents {
		if other.ID != doc.ID && other.LibraryID == doc.LibraryID && other.Title == doc.Title && other.Active {
			other.Active = false
			other.UpdatedAt = time.Now().UTC()
		}
	}
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id int64, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
	}
	if !hard {
		doc.Active = false
		doc.UpdatedAt = time.Now().UTC()
		return nil
	}
	s.deleteDocumentCascade(id)
	return nil
}

func (s *MemoryStore) deleteDocumentCascade(id int64) {
	delete(s.documents, id)
	for chID, ch := range s.chapters {
		if ch.DocumentID == id {
			delete(s.chapters, chID)
		}
	}
	for embID, e := range s.embeddings {
		if e.DocumentID == id {
			delete(s.embeddings, embID)
		}
	}
}

// ── Chapter ─────────────────────────────────────────────────

func (s *MemoryStore) ReplaceChapters(_ context.Context, documentID int64, chapters []models.Chapter) ([]models.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return nil, &ErrNotFound{Entity: "document", Key: fmt.Sprint(documentID)}
	}

	for chID, ch := range s.chapters {
		if ch.DocumentID == documentID {
			delete(s.chapters, chID)
			for embID, e := range s.embeddings {
				if e.ChapterID == chID {
					delete(s.embeddings, embID)
				}
			}
		}
	}

	out := make([]models.Chapter, len(chapters))
	for i, ch := range chapters {
		s.nextChapter++
		ch.ID = s.nextChapter
		ch.DocumentID = documentID
		cp := ch
		s.chapters[ch.ID] = &cp
		out[i] = ch
	}
	return out, nil
}

func (s *MemoryStore) ListChapters(_ context.Context, documentID int64) ([]models.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var chapters []models.Chapter
	for _, ch := range s.chapters {
		if ch.DocumentID == documentID {
			chapters = append(chapters, *ch)
		}
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].OrderIndex < chapters[j].OrderIndex })
	return chapters, nil
}

func (s *MemoryStore) UpdateChapterSummary(_ context.Context, chapterID int64, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chapters[chapterID]
	if !ok {
		return &ErrNotFound{Entity: "chapter", Key: fmt.Sprint(chapterID)}
	}
	ch.Summary = summary
	return nil
}

// ── Embeddings ──────────────────────────────────────────────

func (s *MemoryStore) InsertEmbeddings(_ context.Context, records []models.DocumentEmbedding) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dim := -1
	for _, existing := range s.embeddings {
		if existing.LibraryID == records[0].LibraryID {
			dim = len(existing.Vector)
			break
		}
	}
	for i := range records {
		if dim >= 0 && len(records[i].Vector) != dim {
			return fmt.Errorf("library %d: vector dimension %d does not match established %d",
				records[i].LibraryID, len(records[i].Vector), dim)
		}
		if dim < 0 {
			dim = len(records[i].Vector)
		}
	}

	for _, rec := range records {
		s.nextEmbedding++
		rec.ID = s.nextEmbedding
		rec.CreatedAt = time.Now().UTC()
		if rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		cp := rec
		s.embeddings[rec.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) ListEmbeddingsByDocument(_ context.Context, documentID int64) ([]models.DocumentEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []models.DocumentEmbedding
	for _, e := range s.embeddings {
		if e.DocumentID == documentID {
			records = append(records, *e)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *MemoryStore) CountEmbeddings(_ context.Context, libraryID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, e := range s.embeddings {
		if e.LibraryID == libraryID {
			count++
		}
	}
	return count, nil
}

// ── Associations ────────────────────────────────────────────

func assocKey(userID, libraryUUID string) string { return userID + "\x00" + libraryUUID }

func (s *MemoryStore) CreateAssociation(ctx context.Context, assoc *models.UserLibraryAssociation) error {
	if _, err := s.GetLibrary(ctx, assoc.LibraryUUID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assocKey(assoc.UserID, assoc.LibraryUUID)
	if _, exists := s.assocs[key]; exists {
		return &ErrConflict{Entity: "association", Key: assoc.UserID + "/" + assoc.LibraryUUID}
	}
	assoc.CreatedAt = time.Now().UTC()
	cp := *assoc
	s.assocs[key] = &cp
	return nil
}

func (s *MemoryStore) ListAssociationsByUser(_ context.Context, userID string) ([]models.UserLibraryAssociation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.UserLibraryAssociation
	for _, a := range s.assocs {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteAssociation(_ context.Context, userID, libraryUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assocKey(userID, libraryUUID)
	if _, exists := s.assocs[key]; !exists {
		return &ErrNotFound{Entity: "association", Key: userID + "/" + libraryUUID}
	}
	delete(s.assocs, key)
	return nil
}

// ── Search candidates ───────────────────────────────────────

func (s *MemoryStore) SearchCandidates(_ context.Context, q CandidateQuery) (*CandidateSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inScope := make(map[int64]bool, len(q.LibraryIDs))
	for _, id := range q.LibraryIDs {
		inScope[id] = true
	}

	type scored struct {
		rec     models.DocumentEmbedding
		libUUID string
		score   float64
	}
	var sem, lex []scored

	queryTokens := tokenize(q.Text)
	for _, e := range s.embeddings {
		if !inScope[e.LibraryID] {
			continue
		}
		doc, ok := s.documents[e.DocumentID]
		if !ok || (q.ActiveOnly && !doc.Active) {
			continue
		}
		lib := s.libraries[e.LibraryID]
		if lib == nil {
			continue
		}

		if q.Semantic && len(q.Vector) == len(e.Vector) {
			if sim := cosine(q.Vector, e.Vector); sim > 0 {
				sem = append(sem, scored{rec: *e, libUUID: lib.UUID, score: sim})
			}
		}
		if q.Lexical && len(queryTokens) > 0 {
			if overlap := tokenOverlap(queryTokens, e); overlap > 0 {
				lex = append(lex, scored{rec: *e, libUUID: lib.UUID, score: overlap})
			}
		}
	}

	rank := func(list []scored) []Candidate {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].score != list[j].score {
				return list[i].score > list[j].score
			}
			return list[i].rec.ID < list[j].rec.ID
		})
		if q.Limit > 0 && len(list) > q.Limit {
			list = list[:q.Limit]
		}
		out := make([]Candidate, len(list))
		for i, sc := range list {
			out[i] = Candidate{Embedding: sc.rec, LibraryUUID: sc.libUUID, Rank: i + 1}
		}
		return out
	}

	return &CandidateSet{Semantic: rank(sem), Lexical: rank(lex)}, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// tokenOverlap counts query tokens present in the record's text or its
// title/keyword metadata, weighting metadata matches higher the way the
// database weights its A/B zones.
func tokenOverlap(queryTokens []string, e *models.DocumentEmbedding) float64 {
	body := strings.ToLower(e.Text)
	meta := strings.ToLower(e.Metadata["name"] + " " + e.Metadata[models.EmbeddingMetaChapterTitle] + " " + e.Metadata["keywords"])
	var score float64
	for _, tok := range queryTokens {
		if strings.Contains(meta, tok) {
			score += 2
		} else if strings.Contains(body, tok) {
			score++
		}
	}
	return score
}
