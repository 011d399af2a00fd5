package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/acervolabs/acervo/internal/api"
	"github.com/acervolabs/acervo/internal/api/handlers"
	"github.com/acervolabs/acervo/internal/apperr"
	"github.com/acervolabs/acervo/internal/config"
	"github.com/acervolabs/acervo/internal/convert"
	"github.com/acervolabs/acervo/internal/store"
	"github.com/acervolabs/acervo/pkg/contracts"
	"github.com/acervolabs/acervo/pkg/models"
)

type fakeIngest struct {
	enqueued  []int64
	lastOpts  models.ProcessOptions
	cancelled []int64
	err       error
}

func (f *fakeIngest) Enqueue(_ context.Context, id int64, opts models.ProcessOptions) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, id)
	f.lastOpts = opts
	return nil
}

func (f *fakeIngest) Cancel(id int64) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeSearch struct {
	lastMode models.SearchMode
	result   *models.SearchResult
	err      error
}

func (f *fakeSearch) Search(_ context.Context, mode models.SearchMode, _ *models.SearchRequest) (*models.SearchResult, error) {
	f.lastMode = mode
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &models.SearchResult{Mode: mode}, nil
}

type fakePool struct{}

func (fakePool) Resolve(string) (contracts.LLMService, error) { return nil, nil }
func (fakePool) Select(models.RoutingStrategy, string) (contracts.LLMService, error) {
	return nil, nil
}
func (fakePool) ListModels() map[string][]string { return map[string][]string{"local": {"m1"}} }
func (fakePool) Completion(context.Context, *models.CompletionRequest) (*models.CompletionResponse, error) {
	return nil, nil
}
func (fakePool) Embedding(context.Context, models.EmbeddingOp, string, []string) ([][]float32, error) {
	return nil, nil
}

type env struct {
	store  *store.MemoryStore
	ingest *fakeIngest
	search *fakeSearch
	server http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: store.NewMemoryStore(), ingest: &fakeIngest{}, search: &fakeSearch{}}
	h := handlers.New(e.store, fakePool{}, e.ingest, e.search, convert.NewRegistry())
	e.server = api.NewRouter(&config.Config{Version: "test"}, h)
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

type errResponse struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *env) createLibrary(t *testing.T) models.Library {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/libraries", map[string]any{"name": "case-law"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create library status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decode[models.Library](t, rec)
}

func (e *env) uploadText(t *testing.T, libUUID, content string) models.Document {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/documents/upload/text",
		map[string]any{"libraryId": libUUID, "content": content})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decode[models.Document](t, rec)
}

// ─── Libraries ───────────────────────────────────────────────

func TestCreateLibrary_Defaults(t *testing.T) {
	e := newEnv(t)
	lib := e.createLibrary(t)

	if lib.UUID == "" {
		t.Error("response carries no uuid")
	}
	if lib.SemanticWeight != 0.5 || lib.TextWeight != 0.5 {
		t.Errorf("weights = %v/%v, want 0.5/0.5 defaults", lib.SemanticWeight, lib.TextWeight)
	}
}

func TestCreateLibrary_WeightsMustSumToOne(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/libraries",
		map[string]any{"name": "x", "semanticWeight": 0.8, "textWeight": 0.8})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decode[errResponse](t, rec)
	if body.Code != string(apperr.CodeValidation) {
		t.Errorf("error code = %q, want VALIDATION_ERROR", body.Code)
	}
	if body.Timestamp.IsZero() {
		t.Error("error body missing timestamp")
	}
}

func TestGetLibrary_UnknownIs404(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/libraries/no-such-uuid", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decode[errResponse](t, rec)
	if body.Code != string(apperr.CodeNotFound) {
		t.Errorf("error code = %q, want ENTITY_NOT_FOUND", body.Code)
	}
}

// ─── Document upload ─────────────────────────────────────────

func TestUploadText_ExtractsTitleFromHeading(t *testing.T) {
	e := newEnv(t)
	lib := e.createLibrary(t)

	doc := e.uploadText(t, lib.UUID, "# Lei 8.112\n\ncorpo do texto.")
	if doc.Title != "Lei 8.112" {
		t.Errorf("Title = %q, want extracted heading", doc.Title)
	}
	if doc.Status != models.StatusPending {
		t.Errorf("Status = %q, want PENDING", doc.Status)
	}
}

func TestUploadText_MissingContent(t *testing.T) {
	e := newEnv(t)
	lib := e.createLibrary(t)

	rec := e.do(t, http.MethodPost, "/api/v1/documents/upload/text",
		map[string]any{"libraryId": lib.UUID, "title": "T", "content": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUploadText_TitleRequiredWhenNotExtractable(t *testing.T) {
	e := newEnv(t)
	lib := e.createLibrary(t)

	rec := e.do(t, http.MethodPost, "/api/v1/documents/upload/text",
		map[string]any{"libraryId": lib.UUID, "content": "plain prose without heading"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decode[errResponse](t, rec)
	if !strings.Contains(body.Message, "title") {
		t.Errorf("message = %q, want a title hint", body.Message)
	}
}

func TestUploadText_RejectsUnknownContentType(t *testing.T) {
	e := newEnv(t)
	lib := e.createLibrary(t)

	rec := e.do(t, http.MethodPost, "/api/v1/documents/upload/text",
		map[string]any{"libraryId": lib.UUID, "title": "T", "content": "body", "contentType": "novel"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// ─── Processing ──────────────────────────────────────────────

func TestProcessDocument_EnqueuesWithOptions(t *testing.T) {
	e := newEnv(t)
	lib := e.createLibrary(t)
	doc := e.uploadText(t, lib.UUID, "# Doc\nbody.")

	path := fmt.Sprintf("/api/v1/documents/%d/process?includeQA=true&includeSummary=true&qaPairCount=5", doc.ID)
	rec := e.do(t, http.MethodPost, path, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	if len(e.ingest.enqueued) != 1 || e.ingest.enqueued[0] != doc.ID {
		t.Fatalf("enqueued = %v, want [%d]", e.ingest.enqueued, doc.ID)
	}
	opts := e.ingest.lastOpts
	if !opts.IncludeQA || !opts.IncludeSummary || opts.QAPairCount != 5 {
		t.Errorf("options = %+v, want QA+summary with 5 pairs", opts)
	}
}

func TestProcessDocument_InvalidQAPairCount(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/documents/1/process?qaPairCount=zero", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(e.ingest.enqueued) != 0 {
		t.Error("invalid request reached the ingest service")
	}
}

func TestProcessDocument_ConflictSurfacesAs409(t *testing.T) {
	e := newEnv(t)
	e.ingest.err = apperr.Conflict("document 1 is already processing")

	rec := e.do(t, http.MethodPost, "/api/v1/documents/1/process", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetDocumentStatus(t *testing.T) {
	e := newEnv(t)
	lib := e.createLibrary(t)
	doc := e.uploadText(t, lib.UUID, "# Doc\nbody.")

	rec := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/documents/%d/status", doc.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	view := decode[models.DocumentStatusView](t, rec)
	if view.DocumentID != doc.ID || view.Status != models.StatusPending {
		t.Errorf("view = %+v, want PENDING for document %d", view, doc.ID)
	}
}

func TestToggleDocumentActive_RequiresBooleanFlag(t *testing.T) {
	e := newEnv(t)
	lib := e.createLibrary(t)
	doc := e.uploadText(t, lib.UUID, "# Doc\nbody.")

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/documents/%d/status?flagVigente=maybe", doc.ID), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/documents/%d/status?flagVigente=true", doc.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	got := decode[models.Document](t, rec)
	if !got.Active {
		t.Error("document not activated")
	}
}

func TestCancelDocument(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/documents/7/cancel", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(e.ingest.cancelled) != 1 || e.ingest.cancelled[0] != 7 {
		t.Errorf("cancelled = %v, want [7]", e.ingest.cancelled)
	}
}

// ─── Search ──────────────────────────────────────────────────

func TestSearch_RoutesDispatchModes(t *testing.T) {
	e := newEnv(t)
	for _, mode := range []models.SearchMode{models.SearchHybrid, models.SearchSemantic, models.SearchTextual} {
		rec := e.do(t, http.MethodPost, "/api/v1/search/"+string(mode),
			map[string]any{"query": "direito", "libraryIds": []string{"u"}})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", mode, rec.Code)
		}
		if e.search.lastMode != mode {
			t.Errorf("dispatched mode = %q, want %q", e.search.lastMode, mode)
		}
		res := decode[models.SearchResult](t, rec)
		if res.Hits == nil {
			t.Errorf("%s: hits must serialize as [], not null", mode)
		}
	}
}

func TestSearch_ValidationErrorMapsTo400(t *testing.T) {
	e := newEnv(t)
	e.search.err = apperr.Validation("query length must be between 2 and 500 characters")

	rec := e.do(t, http.MethodPost, "/api/v1/search/hybrid", map[string]any{"query": "a"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// ─── Associations ────────────────────────────────────────────

func TestAssociations_RoleWhitelist(t *testing.T) {
	e := newEnv(t)
	lib := e.createLibrary(t)

	rec := e.do(t, http.MethodPost, "/api/v1/user-libraries",
		map[string]any{"userId": "u1", "libraryId": lib.UUID, "role": "superuser"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/user-libraries",
		map[string]any{"userId": "u1", "libraryId": lib.UUID, "role": "reader"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}

	rec = e.do(t, http.MethodGet, "/api/v1/user-libraries/u1", nil)
	assocs := decode[[]models.UserLibraryAssociation](t, rec)
	if len(assocs) != 1 || assocs[0].Role != models.RoleReader {
		t.Errorf("associations = %+v, want one reader grant", assocs)
	}

	rec = e.do(t, http.MethodDelete, "/api/v1/user-libraries/u1/"+lib.UUID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
}

// ─── Info endpoints ──────────────────────────────────────────

func TestModelsAndHealth(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/models", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("models status = %d", rec.Code)
	}
	grouped := decode[map[string][]string](t, rec)
	if len(grouped["local"]) != 1 {
		t.Errorf("models = %v, want the pool listing", grouped)
	}

	rec = e.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}
