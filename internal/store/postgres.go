package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/acervolabs/acervo/pkg/models"
)

// PostgresStore implements Store on PostgreSQL with the pgvector and
// unaccent extensions. The full-text vector is a generated column and is
// never written by the application.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dimensions int

	// Per-library config cache: weights and vector dimension, read-mostly
	// with write-through on library update and first embedding write.
	cacheMu sync.RWMutex
	dims    map[int64]int
}

// NewPostgresStore connects, pings, and bootstraps the schema. dimensions
// fixes the width of the vector column (per-library uniformity is enforced
// on write).
func NewPostgresStore(ctx context.Context, connURL string, dimensions int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool, dimensions: dimensions, dims: make(map[int64]int)}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates extensions, the accent-folding text search configuration,
// tables, the generated full-text column, and all indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE EXTENSION IF NOT EXISTS unaccent;

		DO $$ BEGIN
			CREATE TEXT SEARCH CONFIGURATION acervo_simple (COPY = simple);
			ALTER TEXT SEARCH CONFIGURATION acervo_simple
				ALTER MAPPING FOR asciiword, asciihword, hword_asciipart, word, hword, hword_part
				WITH unaccent, simple;
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$;

		CREATE TABLE IF NOT EXISTS library (
			id         BIGSERIAL PRIMARY KEY,
			uuid       UUID NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			area       TEXT NOT NULL DEFAULT '',
			w_sem      DOUBLE PRECISION NOT NULL,
			w_txt      DOUBLE PRECISION NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}',
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT library_weights_sum CHECK (w_sem >= 0 AND w_txt >= 0 AND abs(w_sem + w_txt - 1.0) < 1e-9)
		);

		CREATE TABLE IF NOT EXISTS document (
			id           BIGSERIAL PRIMARY KEY,
			library_id   BIGINT NOT NULL REFERENCES library(id) ON DELETE CASCADE,
			title        TEXT NOT NULL,
			content      TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT 'generic',
			metadata     JSONB NOT NULL DEFAULT '{}',
			active       BOOLEAN NOT NULL DEFAULT FALSE,
			status       TEXT NOT NULL DEFAULT 'PENDING',
			progress     INT NOT NULL DEFAULT 0,
			message      TEXT NOT NULL DEFAULT '',
			total_tokens INT NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_document_active_title
			ON document (library_id, title) WHERE active;
		CREATE INDEX IF NOT EXISTS idx_document_library ON document (library_id);
		CREATE INDEX IF NOT EXISTS idx_document_active ON document (active);

		CREATE TABLE IF NOT EXISTS chapter (
			id          BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES document(id) ON DELETE CASCADE,
			title       TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			order_index INT NOT NULL,
			token_count INT NOT NULL DEFAULT 0,
			summary     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_chapter_document ON chapter (document_id);

		CREATE TABLE IF NOT EXISTS doc_embedding (
			id               BIGSERIAL PRIMARY KEY,
			library_id       BIGINT NOT NULL REFERENCES library(id) ON DELETE CASCADE,
			document_id      BIGINT NOT NULL REFERENCES document(id) ON DELETE CASCADE,
			chapter_id       BIGINT REFERENCES chapter(id) ON DELETE CASCADE,
			text             TEXT NOT NULL,
			order_in_chapter INT NOT NULL DEFAULT 0,
			embedding_kind   TEXT NOT NULL,
			embedding        vector(%d) NOT NULL,
			metadata         JSONB NOT NULL DEFAULT '{}',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			full_text_vec    TSVECTOR GENERATED ALWAYS AS (
				setweight(to_tsvector('acervo_simple', coalesce(metadata->>'name', '')), 'A') ||
				setweight(to_tsvector('acervo_simple', coalesce(metadata->>'chapter_title', '')), 'A') ||
				setweight(to_tsvector('acervo_simple', coalesce(metadata->>'description', '')), 'B') ||
				setweight(to_tsvector('acervo_simple', coalesce(metadata->>'keywords', '')), 'C') ||
				setweight(to_tsvector('acervo_simple', coalesce(metadata->>'area', '')), 'C') ||
				setweight(to_tsvector('acervo_simple', text), 'C') ||
				setweight(to_tsvector('acervo_simple', coalesce(metadata->>'author', '')), 'D')
			) STORED
		);
		CREATE INDEX IF NOT EXISTS idx_embedding_fts ON doc_embedding USING GIN (full_text_vec);
		CREATE INDEX IF NOT EXISTS idx_embedding_vector ON doc_embedding USING hnsw (embedding vector_cosine_ops);
		CREATE INDEX IF NOT EXISTS idx_embedding_library ON doc_embedding (library_id);
		CREATE INDEX IF NOT EXISTS idx_embedding_document ON doc_embedding (document_id);
		CREATE INDEX IF NOT EXISTS idx_embedding_chapter ON doc_embedding (chapter_id);

		CREATE TABLE IF NOT EXISTS user_library_association (
			user_id    TEXT NOT NULL,
			library_id BIGINT NOT NULL REFERENCES library(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, library_id)
		);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// ── Library ─────────────────────────────────────────────────

func (s *PostgresStore) CreateLibrary(ctx context.Context, lib *models.Library) error {
	if lib.UUID == "" {
		lib.UUID = uuid.NewString()
	}
	if lib.Metadata == nil {
		lib.Metadata = map[string]string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO library (uuid, name, area, w_sem, w_txt, metadata, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		RETURNING id, created_at, updated_at`,
		lib.UUID, lib.Name, lib.Area, lib.SemanticWeight, lib.TextWeight, lib.Metadata,
	).Scan(&lib.ID, &lib.CreatedAt, &lib.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "library", Key: lib.UUID}
	}
	if err != nil {
		return fmt.Errorf("insert library: %w", err)
	}
	lib.Active = true
	return nil
}

const librarySelect = `SELECT id, uuid, name, area, w_sem, w_txt, metadata, active, created_at, updated_at FROM library`

func (s *PostgresStore) GetLibrary(ctx context.Context, libUUID string) (*models.Library, error) {
	return s.scanLibrary(s.pool.QueryRow(ctx, librarySelect+` WHERE uuid = $1`, libUUID), libUUID)
}

func (s *PostgresStore) GetLibraryByID(ctx context.Context, id int64) (*models.Library, error) {
	return s.scanLibrary(s.pool.QueryRow(ctx, librarySelect+` WHERE id = $1`, id), fmt.Sprint(id))
}

func (s *PostgresStore) scanLibrary(row pgx.Row, key string) (*models.Library, error) {
	var lib models.Library
	err := row.Scan(&lib.ID, &lib.UUID, &lib.Name, &lib.Area, &lib.SemanticWeight,
		&lib.TextWeight, &lib.Metadata, &lib.Active, &lib.CreatedAt, &lib.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "library", Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("scan library: %w", err)
	}
	return &lib, nil
}

func (s *PostgresStore) UpdateLibrary(ctx context.Context, lib *models.Library) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE library SET name = $2, area = $3, w_sem = $4, w_txt = $5, metadata = $6, active = $7, updated_at = NOW()
		WHERE uuid = $1`,
		lib.UUID, lib.Name, lib.Area, lib.SemanticWeight, lib.TextWeight, lib.Metadata, lib.Active)
	if err != nil {
		return fmt.Errorf("update library: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "library", Key: lib.UUID}
	}
	return nil
}

func (s *PostgresStore) DeleteLibrary(ctx context.Context, libUUID string, hard bool) error {
	var tag pgconn.CommandTag
	var err error
	if hard {
		tag, err = s.pool.Exec(ctx, `DELETE FROM library WHERE uuid = $1`, libUUID)
	} else {
		tag, err = s.pool.Exec(ctx, `UPDATE library SET active = FALSE, updated_at = NOW() WHERE uuid = $1`, libUUID)
	}
	if err != nil {
		return fmt.Errorf("delete library: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "library", Key: libUUID}
	}
	return nil
}

func (s *PostgresStore) ListLibraries(ctx context.Context) ([]models.Library, error) {
	rows, err := s.pool.Query(ctx, librarySelect+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	var libs []models.Library
	for rows.Next() {
		var lib models.Library
		if err := rows.Scan(&lib.ID, &lib.UUID, &lib.Name, &lib.Area, &lib.SemanticWeight,
			&lib.TextWeight, &lib.Metadata, &lib.Active, &lib.CreatedAt, &lib.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan library: %w", err)
		}
		libs = append(libs, lib)
	}
	return libs, rows.Err()
}

// ── Document ────────────────────────────────────────────────

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	if doc.ContentType == "" {
		doc.ContentType = models.ContentGeneric
	}
	doc.Status = models.StatusPending
	err := s.pool.QueryRow(ctx, `
		INSERT INTO document (library_id, title, content, content_type, metadata, active, status)
		VALUES ($1, $2, $3, $4, $5, FALSE, 'PENDING')
		RETURNING id, created_at, updated_at`,
		doc.LibraryID, doc.Title, doc.Content, doc.ContentType, doc.Metadata,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

const documentSelect = `
	SELECT d.id, d.library_id, l.uuid, d.title, d.content, d.content_type, d.metadata,
	       d.active, d.status, d.progress, d.message, d.total_tokens, d.created_at, d.updated_at
	FROM document d JOIN library l ON l.id = d.library_id`

func (s *PostgresStore) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	var doc models.Document
	err := s.pool.QueryRow(ctx, documentSelect+` WHERE d.id = $1`, id).Scan(
		&doc.ID, &doc.LibraryID, &doc.LibraryUUID, &doc.Title, &doc.Content, &doc.ContentType,
		&doc.Metadata, &doc.Active, &doc.Status, &doc.Progress, &doc.Message, &doc.TotalTokens,
		&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, libraryID int64) ([]models.Document, error) {
	rows, err := s.pool.Query(ctx, documentSelect+` WHERE d.library_id = $1 ORDER BY d.id`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		if err := rows.Scan(&doc.ID, &doc.LibraryID, &doc.LibraryUUID, &doc.Title, &doc.Content,
			&doc.ContentType, &doc.Metadata, &doc.Active, &doc.Status, &doc.Progress, &doc.Message,
			&doc.TotalTokens, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id int64, status models.DocumentStatus, progress int, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE document SET status = $2, progress = $3, message = $4, updated_at = NOW()
		WHERE id = $1`, id, status, progress, message)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
	}
	return nil
}

func (s *PostgresStore) CompleteDocument(ctx context.Context, id int64, totalTokens int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Deactivate the prior active version of the same (library, title)
		// before the partial unique index would reject the new one.
		_, err := tx.Exec(ctx, `
			UPDATE document SET active = FALSE, updated_at = NOW()
			WHERE active AND id <> $1
			  AND (library_id, title) = (SELECT library_id, title FROM document WHERE id = $1)`, id)
		if err != nil {
			return fmt.Errorf("deactivate prior version: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE document SET active = TRUE, status = 'COMPLETED', progress = 100,
			       message = '', total_tokens = $2, updated_at = NOW()
			WHERE id = $1`, id, totalTokens)
		if err != nil {
			return fmt.Errorf("complete document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
		}
		return nil
	})
}

func (s *PostgresStore) SetDocumentActive(ctx context.Context, id int64, active bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if active {
			if _, err := tx.Exec(ctx, `
				UPDATE document SET active = FALSE, updated_at = NOW()
				WHERE active AND id <> $1
				  AND (library_id, title) = (SELECT library_id, title FROM document WHERE id = $1)`, id); err != nil {
				return fmt.Errorf("deactivate siblings: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, `UPDATE document SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
		if err != nil {
			return fmt.Errorf("set document active: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
		}
		return nil
	})
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id int64, hard bool) error {
	var tag pgconn.CommandTag
	var err error
	if hard {
		tag, err = s.pool.Exec(ctx, `DELETE FROM document WHERE id = $1`, id)
	} else {
		tag, err = s.pool.Exec(ctx, `UPDATE document SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	}
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "document", Key: fmt.Sprint(id)}
	}
	return nil
}

// ── Chapter ─────────────────────────────────────────────────

func (s *PostgresStore) ReplaceChapters(ctx context.Context, documentID int64, chapters []models.Chapter) ([]models.Chapter, error) {
	out := make([]models.Chapter, len(chapters))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chapter WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("clear chapters: %w", err)
		}
		for i, ch := range chapters {
			ch.DocumentID = documentID
			err := tx.QueryRow(ctx, `
				INSERT INTO chapter (document_id, title, content, order_index, token_count)
				VALUES ($1, $2, $3, $4, $5) RETURNING id`,
				documentID, ch.Title, ch.Content, ch.OrderIndex, ch.TokenCount,
			).Scan(&ch.ID)
			if err != nil {
				return fmt.Errorf("insert chapter %d: %w", i, err)
			}
			out[i] = ch
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListChapters(ctx context.Context, documentID int64) ([]models.Chapter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, title, content, order_index, token_count, coalesce(summary, '')
		FROM chapter WHERE document_id = $1 ORDER BY order_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []models.Chapter
	for rows.Next() {
		var ch models.Chapter
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &ch.Title, &ch.Content, &ch.OrderIndex,
			&ch.TokenCount, &ch.Summary); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, ch)
	}
	return chapters, rows.Err()
}

func (s *PostgresStore) UpdateChapterSummary(ctx context.Context, chapterID int64, summary string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE chapter SET summary = $2 WHERE id = $1`, chapterID, summary)
	if err != nil {
		return fmt.Errorf("update chapter summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "chapter", Key: fmt.Sprint(chapterID)}
	}
	return nil
}

// ── Embeddings ──────────────────────────────────────────────

func (s *PostgresStore) InsertEmbeddings(ctx context.Context, records []models.DocumentEmbedding) error {
	if len(records) == 0 {
		return nil
	}

	for i := range records {
		if err := s.checkDimension(records[i].LibraryID, len(records[i].Vector)); err != nil {
			return err
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, rec := range records {
			var chapterID *int64
			if rec.ChapterID != 0 {
				chapterID = &rec.ChapterID
			}
			metadata := rec.Metadata
			if metadata == nil {
				metadata = map[string]string{}
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO doc_embedding (library_id, document_id, chapter_id, text, order_in_chapter, embedding_kind, embedding, metadata)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				rec.LibraryID, rec.DocumentID, chapterID, rec.Text, rec.OrderInChapter,
				rec.Kind, pgvector.NewVector(rec.Vector), metadata)
			if err != nil {
				return fmt.Errorf("insert embedding %d: %w", i, err)
			}
		}
		return nil
	})
}

// checkDimension enforces uniform vector width within a library, caching
// the dimension on first write.
func (s *PostgresStore) checkDimension(libraryID int64, dim int) error {
	s.cacheMu.RLock()
	known, ok := s.dims[libraryID]
	s.cacheMu.RUnlock()
	if ok {
		if known != dim {
			return fmt.Errorf("library %d: vector dimension %d does not match established %d", libraryID, dim, known)
		}
		return nil
	}
	s.cacheMu.Lock()
	s.dims[libraryID] = dim
	s.cacheMu.Unlock()
	return nil
}

const embeddingSelect = `
	SELECT e.id, e.library_id, e.document_id, coalesce(e.chapter_id, 0), e.text,
	       e.order_in_chapter, e.embedding_kind, e.metadata, e.created_at`

func (s *PostgresStore) ListEmbeddingsByDocument(ctx context.Context, documentID int64) ([]models.DocumentEmbedding, error) {
	rows, err := s.pool.Query(ctx, embeddingSelect+`
		FROM doc_embedding e WHERE e.document_id = $1
		ORDER BY e.chapter_id NULLS FIRST, e.order_in_chapter, e.id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

func scanEmbeddings(rows pgx.Rows) ([]models.DocumentEmbedding, error) {
	var records []models.DocumentEmbedding
	for rows.Next() {
		var rec models.DocumentEmbedding
		if err := rows.Scan(&rec.ID, &rec.LibraryID, &rec.DocumentID, &rec.ChapterID, &rec.Text,
			&rec.OrderInChapter, &rec.Kind, &rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) CountEmbeddings(ctx context.Context, libraryID int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM doc_embedding WHERE library_id = $1`, libraryID).Scan(&count)
	return count, err
}

// ── Associations ────────────────────────────────────────────

func (s *PostgresStore) CreateAssociation(ctx context.Context, assoc *models.UserLibraryAssociation) error {
	lib, err := s.GetLibrary(ctx, assoc.LibraryUUID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_library_association (user_id, library_id, role) VALUES ($1, $2, $3)`,
		assoc.UserID, lib.ID, assoc.Role)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "association", Key: assoc.UserID + "/" + assoc.LibraryUUID}
	}
	if err != nil {
		return fmt.Errorf("insert association: %w", err)
	}
	assoc.CreatedAt = time.Now().UTC()
	return nil
}

func (s *PostgresStore) ListAssociationsByUser(ctx context.Context, userID string) ([]models.UserLibraryAssociation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.user_id, l.uuid, a.role, a.created_at
		FROM user_library_association a JOIN library l ON l.id = a.library_id
		WHERE a.user_id = $1 ORDER BY a.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	defer rows.Close()

	var assocs []models.UserLibraryAssociation
	for rows.Next() {
		var a models.UserLibraryAssociation
		if err := rows.Scan(&a.UserID, &a.LibraryUUID, &a.Role, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		assocs = append(assocs, a)
	}
	return assocs, rows.Err()
}

func (s *PostgresStore) DeleteAssociation(ctx context.Context, userID, libraryUUID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM user_library_association
		WHERE user_id = $1 AND library_id = (SELECT id FROM library WHERE uuid = $2)`,
		userID, libraryUUID)
	if err != nil {
		return fmt.Errorf("delete association: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "association", Key: userID + "/" + libraryUUID}
	}
	return nil
}

// ── Search candidates ───────────────────────────────────────

// SearchCandidates fetches the semantic and lexical candidate lists in a
// single round trip. Lexical matching translates the raw query with
// websearch_to_tsquery over the accent-folding configuration, so bare
// tokens OR together, "x y" matches the phrase, and -x excludes.
func (s *PostgresStore) SearchCandidates(ctx context.Context, q CandidateQuery) (*CandidateSet, error) {
	if !q.Semantic && !q.Lexical {
		return &CandidateSet{}, nil
	}

	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	pLibs := arg(q.LibraryIDs)
	pActive := arg(q.ActiveOnly)
	pLimit := arg(q.Limit)

	var sb strings.Builder
	sb.WriteString("WITH ")
	var ctes []string
	if q.Semantic {
		pVec := arg(pgvector.NewVector(q.Vector))
		ctes = append(ctes, fmt.Sprintf(`sem AS (
			SELECT e.id, row_number() OVER (ORDER BY e.embedding <=> %[1]s) AS rank
			FROM doc_embedding e JOIN document d ON d.id = e.document_id
			WHERE e.library_id = ANY(%[2]s) AND (NOT %[3]s OR d.active)
			ORDER BY e.embedding <=> %[1]s LIMIT %[4]s
		)`, pVec, pLibs, pActive, pLimit))
	}
	if q.Lexical {
		pText := arg(q.Text)
		ctes = append(ctes, fmt.Sprintf(`lex AS (
			SELECT e.id, row_number() OVER (ORDER BY ts_rank(e.full_text_vec, websearch_to_tsquery('acervo_simple', %[1]s)) DESC) AS rank
			FROM doc_embedding e JOIN document d ON d.id = e.document_id
			WHERE e.full_text_vec @@ websearch_to_tsquery('acervo_simple', %[1]s)
			  AND e.library_id = ANY(%[2]s) AND (NOT %[3]s OR d.active)
			ORDER BY ts_rank(e.full_text_vec, websearch_to_tsquery('acervo_simple', %[1]s)) DESC LIMIT %[4]s
		)`, pText, pLibs, pActive, pLimit))
	}
	sb.WriteString(strings.Join(ctes, ", "))

	sb.WriteString(embeddingSelect)
	sb.WriteString(`, l.uuid`)
	if q.Semantic {
		sb.WriteString(`, sem.rank`)
	}
	if q.Lexical {
		sb.WriteString(`, lex.rank`)
	}
	sb.WriteString(` FROM doc_embedding e JOIN library l ON l.id = e.library_id`)
	where := make([]string, 0, 2)
	if q.Semantic {
		sb.WriteString(` LEFT JOIN sem ON sem.id = e.id`)
		where = append(where, "sem.id IS NOT NULL")
	}
	if q.Lexical {
		sb.WriteString(` LEFT JOIN lex ON lex.id = e.id`)
		where = append(where, "lex.id IS NOT NULL")
	}
	sb.WriteString(" WHERE " + strings.Join(where, " OR "))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	defer rows.Close()

	set := &CandidateSet{}
	for rows.Next() {
		var rec models.DocumentEmbedding
		var libUUID string
		var semRank, lexRank *int

		dest := []any{&rec.ID, &rec.LibraryID, &rec.DocumentID, &rec.ChapterID, &rec.Text,
			&rec.OrderInChapter, &rec.Kind, &rec.Metadata, &rec.CreatedAt, &libUUID}
		if q.Semantic {
			dest = append(dest, &semRank)
		}
		if q.Lexical {
			dest = append(dest, &lexRank)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if semRank != nil {
			set.Semantic = append(set.Semantic, Candidate{Embedding: rec, LibraryUUID: libUUID, Rank: *semRank})
		}
		if lexRank != nil {
			set.Lexical = append(set.Lexical, Candidate{Embedding: rec, LibraryUUID: libUUID, Rank: *lexRank})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortCandidates(set.Semantic)
	sortCandidates(set.Lexical)
	return set, nil
}

func sortCandidates(cs []Candidate) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].Rank < cs[j-1].Rank; j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
