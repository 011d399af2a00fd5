// Package handlers implements the HTTP handlers of the Acervo backend.
// Handlers validate at the boundary, delegate to the store and services,
// and map taxonomy errors to status codes.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/acervolabs/acervo/internal/apperr"
	"github.com/acervolabs/acervo/internal/convert"
	"github.com/acervolabs/acervo/internal/store"
	"github.com/acervolabs/acervo/pkg/contracts"
	"github.com/acervolabs/acervo/pkg/models"
)

// maxUploadBytes bounds multipart file uploads.
const maxUploadBytes = 32 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Pool      contracts.ServicePool
	Ingest    contracts.IngestService
	Search    contracts.SearchService
	Converter *convert.Registry
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, pool contracts.ServicePool, ingest contracts.IngestService, search contracts.SearchService, conv *convert.Registry) *Handlers {
	return &Handlers{Store: s, Pool: pool, Ingest: ingest, Search: search, Converter: conv}
}

// ── Library handlers ─────────────────────────────────────────

type createLibraryRequest struct {
	Name           string            `json:"name"`
	Area           string            `json:"area"`
	SemanticWeight *float64          `json:"semanticWeight"`
	TextWeight     *float64          `json:"textWeight"`
	Metadata       map[string]string `json:"metadata"`
}

func (h *Handlers) CreateLibrary(w http.ResponseWriter, r *http.Request) {
	var req createLibraryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondAppError(w, apperr.Validation("name is required"))
		return
	}

	wSem, wTxt := 0.5, 0.5
	if req.SemanticWeight != nil || req.TextWeight != nil {
		if req.SemanticWeight == nil || req.TextWeight == nil {
			respondAppError(w, apperr.Validation("semanticWeight and textWeight must be supplied together"))
			return
		}
		wSem, wTxt = *req.SemanticWeight, *req.TextWeight
		if wSem < 0 || wTxt < 0 || wSem+wTxt < 1.0-1e-9 || wSem+wTxt > 1.0+1e-9 {
			respondAppError(w, apperr.Validation("semanticWeight and textWeight must be non-negative and sum to 1.0"))
			return
		}
	}

	lib := &models.Library{
		Name:           strings.TrimSpace(req.Name),
		Area:           strings.TrimSpace(req.Area),
		SemanticWeight: wSem,
		TextWeight:     wTxt,
		Metadata:       req.Metadata,
	}
	if err := h.Store.CreateLibrary(r.Context(), lib); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("library", lib.UUID).Str("name", lib.Name).Msg("library created")
	respondJSON(w, http.StatusCreated, lib)
}

func (h *Handlers) GetLibrary(w http.ResponseWriter, r *http.Request) {
	lib, err := h.Store.GetLibrary(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, lib)
}

func (h *Handlers) ListLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := h.Store.ListLibraries(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if libs == nil {
		libs = []models.Library{}
	}
	respondJSON(w, http.StatusOK, libs)
}

func (h *Handlers) DeleteLibrary(w http.ResponseWriter, r *http.Request) {
	hard := r.URL.Query().Get("hard") == "true"
	if err := h.Store.DeleteLibrary(r.Context(), chi.URLParam(r, "uuid"), hard); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Document upload handlers ─────────────────────────────────

type uploadTextRequest struct {
	LibraryID   string             `json:"libraryId"`
	Title       string             `json:"title"`
	Content     string             `json:"content"`
	ContentType models.ContentType `json:"contentType"`
	Metadata    map[string]string  `json:"metadata"`
}

func (h *Handlers) UploadText(w http.ResponseWriter, r *http.Request) {
	var req uploadTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		respondAppError(w, apperr.Validation("content is required"))
		return
	}

	res, err := h.Converter.Convert(r.Context(), []byte(req.Content), "text/markdown", "")
	if err != nil {
		respondAppError(w, err)
		return
	}
	h.createDocument(w, r, req.LibraryID, req.Title, req.ContentType, req.Metadata, res)
}

type uploadURLRequest struct {
	LibraryID   string             `json:"libraryId"`
	URL         string             `json:"url"`
	Title       string             `json:"title"`
	ContentType models.ContentType `json:"contentType"`
	Metadata    map[string]string  `json:"metadata"`
}

func (h *Handlers) UploadURL(w http.ResponseWriter, r *http.Request) {
	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		respondAppError(w, apperr.Validation("url is required"))
		return
	}

	res, err := h.Converter.FetchAndConvert(r.Context(), req.URL)
	if err != nil {
		respondAppError(w, err)
		return
	}
	h.createDocument(w, r, req.LibraryID, req.Title, req.ContentType, req.Metadata, res)
}

func (h *Handlers) UploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondAppError(w, apperr.Validation("invalid multipart form: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondAppError(w, apperr.Validation("file part is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		respondAppError(w, apperr.Wrap(apperr.CodeInternal, err, "read upload"))
		return
	}

	res, err := h.Converter.Convert(r.Context(), data, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		respondAppError(w, err)
		return
	}

	metadata := map[string]string{}
	for key, values := range r.MultipartForm.Value {
		if strings.HasPrefix(key, "metadata.") && len(values) > 0 {
			metadata[strings.TrimPrefix(key, "metadata.")] = values[0]
		}
	}
	h.createDocument(w, r, r.FormValue("libraryId"), r.FormValue("title"),
		models.ContentType(r.FormValue("contentType")), metadata, res)
}

// createDocument persists the converted document as PENDING. The title
// precedence is explicit title, then the converter's extracted title.
func (h *Handlers) createDocument(w http.ResponseWriter, r *http.Request, libraryUUID, title string, contentType models.ContentType, metadata map[string]string, res *contracts.ConvertResult) {
	if strings.TrimSpace(libraryUUID) == "" {
		respondAppError(w, apperr.Validation("libraryId is required"))
		return
	}
	lib, err := h.Store.GetLibrary(r.Context(), libraryUUID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = strings.TrimSpace(res.Title)
	}
	if title == "" {
		respondAppError(w, apperr.Validation("title is required and could not be extracted from the source"))
		return
	}
	if contentType != "" && !validContentType(contentType) {
		respondAppError(w, apperr.Validation("unknown contentType %q", contentType))
		return
	}
	if strings.TrimSpace(res.Markdown) == "" {
		respondAppError(w, apperr.Validation("document body is empty after conversion"))
		return
	}

	doc := &models.Document{
		LibraryID:   lib.ID,
		LibraryUUID: lib.UUID,
		Title:       title,
		Content:     res.Markdown,
		ContentType: contentType,
		Metadata:    metadata,
	}
	if err := h.Store.CreateDocument(r.Context(), doc); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Int64("document", doc.ID).Str("library", lib.UUID).Str("title", title).Msg("document uploaded")
	respondJSON(w, http.StatusCreated, doc)
}

func validContentType(ct models.ContentType) bool {
	switch ct {
	case models.ContentGeneric, models.ContentLegalNorm, models.ContentWiki,
		models.ContentArticle, models.ContentTechDoc:
		return true
	}
	return false
}

// ── Document processing handlers ─────────────────────────────

func (h *Handlers) ProcessDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		respondAppError(w, err)
		return
	}

	opts := models.ProcessOptions{
		IncludeQA:      r.URL.Query().Get("includeQA") == "true",
		IncludeSummary: r.URL.Query().Get("includeSummary") == "true",
	}
	if raw := r.URL.Query().Get("qaPairCount"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondAppError(w, apperr.Validation("qaPairCount must be a positive integer"))
			return
		}
		opts.QAPairCount = n
	}

	if err := h.Ingest.Enqueue(r.Context(), id, opts); err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"documentId": id,
		"status":     models.StatusPending,
	})
}

func (h *Handlers) GetDocumentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		respondAppError(w, err)
		return
	}
	doc, err := h.Store.GetDocument(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.DocumentStatusView{
		DocumentID:  doc.ID,
		Status:      doc.Status,
		Progress:    doc.Progress,
		Message:     doc.Message,
		TotalTokens: doc.TotalTokens,
		UpdatedAt:   doc.UpdatedAt,
	})
}

// ToggleDocumentActive flips the active flag. Activating deactivates any
// prior active document with the same (library, title).
func (h *Handlers) ToggleDocumentActive(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		respondAppError(w, err)
		return
	}
	raw := r.URL.Query().Get("flagVigente")
	active, perr := strconv.ParseBool(raw)
	if perr != nil {
		respondAppError(w, apperr.Validation("flagVigente must be a boolean"))
		return
	}
	if err := h.Store.SetDocumentActive(r.Context(), id, active); err != nil {
		respondStoreError(w, err)
		return
	}
	doc, err := h.Store.GetDocument(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		respondAppError(w, err)
		return
	}
	hard := r.URL.Query().Get("hard") == "true"
	if err := h.Store.DeleteDocument(r.Context(), id, hard); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) CancelDocument(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if err := h.Ingest.Cancel(id); err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"documentId": id, "cancelled": true})
}

func documentID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return 0, apperr.Validation("document id must be a positive integer")
	}
	return id, nil
}

// ── Search handlers ──────────────────────────────────────────

func (h *Handlers) SearchHybrid(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, models.SearchHybrid)
}

func (h *Handlers) SearchSemantic(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, models.SearchSemantic)
}

func (h *Handlers) SearchTextual(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, models.SearchTextual)
}

func (h *Handlers) search(w http.ResponseWriter, r *http.Request, mode models.SearchMode) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	result, err := h.Search.Search(r.Context(), mode, &req)
	if err != nil {
		respondAppError(w, err)
		return
	}
	if result.Hits == nil {
		result.Hits = []models.SearchHit{}
	}
	respondJSON(w, http.StatusOK, result)
}

// ── User-library association handlers ────────────────────────

type associationRequest struct {
	UserID    string      `json:"userId"`
	LibraryID string      `json:"libraryId"`
	Role      models.Role `json:"role"`
}

func (h *Handlers) CreateAssociation(w http.ResponseWriter, r *http.Request) {
	var req associationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondAppError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.LibraryID) == "" {
		respondAppError(w, apperr.Validation("userId and libraryId are required"))
		return
	}
	switch req.Role {
	case models.RoleOwner, models.RoleCollaborator, models.RoleReader:
	default:
		respondAppError(w, apperr.Validation("role must be one of owner, collaborator, reader"))
		return
	}

	assoc := &models.UserLibraryAssociation{
		UserID:      req.UserID,
		LibraryUUID: req.LibraryID,
		Role:        req.Role,
	}
	if err := h.Store.CreateAssociation(r.Context(), assoc); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, assoc)
}

func (h *Handlers) ListUserAssociations(w http.ResponseWriter, r *http.Request) {
	assocs, err := h.Store.ListAssociationsByUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if assocs == nil {
		assocs = []models.UserLibraryAssociation{}
	}
	respondJSON(w, http.StatusOK, assocs)
}

func (h *Handlers) DeleteAssociation(w http.ResponseWriter, r *http.Request) {
	err := h.Store.DeleteAssociation(r.Context(), chi.URLParam(r, "userId"), chi.URLParam(r, "uuid"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Model pool handlers ──────────────────────────────────────

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Pool.ListModels())
}

// ── Response helpers ─────────────────────────────────────────

type errorBody struct {
	Code      apperr.Code    `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondAppError maps the taxonomy code to a status and emits the uniform
// error shape.
func respondAppError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	body := errorBody{Code: code, Message: err.Error(), Timestamp: time.Now().UTC()}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
		body.Details = ae.Details
	}
	respondJSON(w, statusOf(code), body)
}

// respondStoreError translates store sentinel errors before the generic
// taxonomy mapping.
func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		respondAppError(w, apperr.NotFound(nf.Entity, nf.Key))
		return
	}
	var cf *store.ErrConflict
	if errors.As(err, &cf) {
		respondAppError(w, apperr.Conflict("%s", cf.Error()))
		return
	}
	respondAppError(w, err)
}

func statusOf(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation, apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeTransient:
		return http.StatusServiceUnavailable
	case apperr.CodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
