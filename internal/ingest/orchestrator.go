// Package ingest drives the asynchronous document pipeline: route, split,
// embed, persist, finalize. Documents move PENDING → PROCESSING →
// COMPLETED | FAILED; the store is the only channel progress travels on.
// A caller-initiated cancel is not a failure: the document returns to its
// pre-pipeline status and stays admissible for re-entry.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/acervolabs/acervo/internal/apperr"
	"github.com/acervolabs/acervo/internal/config"
	"github.com/acervolabs/acervo/internal/embedding"
	"github.com/acervolabs/acervo/internal/llm"
	"github.com/acervolabs/acervo/internal/splitter"
	"github.com/acervolabs/acervo/internal/store"
	"github.com/acervolabs/acervo/pkg/models"
)

const queueCapacity = 256

type task struct {
	documentID int64
	opts       models.ProcessOptions
}

// Orchestrator runs ingestion tasks on a bounded worker pool.
type Orchestrator struct {
	store    store.Store
	router   *splitter.Router
	engine   *embedding.Engine
	tokens   splitter.Tokenizer
	retry    llm.RetryPolicy
	budgets  config.ChunkingConfig
	workers  int
	tasks    chan task
	cancels  sync.Map // documentID → context.CancelFunc
	wg       sync.WaitGroup
	baseCtx  context.Context
	stopBase context.CancelFunc
}

// NewOrchestrator wires the pipeline. Call Start before Enqueue.
func NewOrchestrator(st store.Store, router *splitter.Router, engine *embedding.Engine, tokens splitter.Tokenizer, cfg *config.Config) *Orchestrator {
	workers := cfg.Ingestion.Workers
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		store:   st,
		router:  router,
		engine:  engine,
		tokens:  tokens,
		retry:   llm.RetryPolicy{MaxAttempts: cfg.Pool.MaxRetries, Delay: cfg.Pool.RetryDelay},
		budgets: cfg.Chunking,
		workers: workers,
		tasks:   make(chan task, queueCapacity),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	o.baseCtx, o.stopBase = context.WithCancel(context.Background())
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	log.Info().Int("workers", o.workers).Msg("ingestion pool started")
}

// Shutdown stops accepting tasks and waits for in-flight pipelines, up to
// the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.tasks)
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.stopBase()
		<-done
	}
	o.stopBase()
	return nil
}

// Enqueue schedules a document for processing. COMPLETED documents are a
// no-op; PENDING and FAILED documents (re)enter the queue.
func (o *Orchestrator) Enqueue(ctx context.Context, documentID int64, opts models.ProcessOptions) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	switch doc.Status {
	case models.StatusCompleted:
		log.Debug().Int64("document", documentID).Msg("already completed, enqueue is a no-op")
		return nil
	case models.StatusProcessing:
		return apperr.Conflict("document %d is already processing", documentID)
	}

	select {
	case o.tasks <- task{documentID: documentID, opts: opts}:
		return nil
	default:
		return apperr.Transient(nil, "ingestion queue is full")
	}
}

// Cancel aborts the pipeline of a document. In-flight external calls are
// abandoned; persisted chapters stay for idempotent re-entry.
func (o *Orchestrator) Cancel(documentID int64) error {
	cancel, ok := o.cancels.Load(documentID)
	if !ok {
		return apperr.NotFound("processing document", fmt.Sprint(documentID))
	}
	cancel.(context.CancelFunc)()
	return nil
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for t := range o.tasks {
		o.run(t)
	}
}

func (o *Orchestrator) run(t task) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.cancels.Store(t.documentID, cancel)
	defer func() {
		o.cancels.Delete(t.documentID)
		cancel()
	}()

	prior := models.StatusPending
	if doc, err := o.store.GetDocument(ctx, t.documentID); err == nil {
		prior = doc.Status
	}

	if err := o.process(ctx, t.documentID, t.opts); err != nil {
		// Status writes run outside the (possibly cancelled) pipeline
		// context so the outcome is always recorded.
		if ctx.Err() != nil {
			// A cancel is not a pipeline failure. Restore the pre-pipeline
			// status so the document can re-enter the queue.
			log.Warn().Int64("document", t.documentID).Msg("ingestion cancelled")
			if uerr := o.store.UpdateDocumentStatus(context.Background(), t.documentID, prior, 0, "processing cancelled"); uerr != nil {
				log.Error().Int64("document", t.documentID).Err(uerr).Msg("failed to restore status after cancel")
			}
			return
		}
		log.Error().Int64("document", t.documentID).Err(err).Msg("ingestion failed")
		if uerr := o.store.UpdateDocumentStatus(context.Background(), t.documentID, models.StatusFailed, 0, err.Error()); uerr != nil {
			log.Error().Int64("document", t.documentID).Err(uerr).Msg("failed to record FAILED status")
		}
	}
}

// process runs the full pipeline of one document.
func (o *Orchestrator) process(ctx context.Context, documentID int64, opts models.ProcessOptions) error {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == models.StatusCompleted {
		return nil
	}
	lib, err := o.store.GetLibraryByID(ctx, doc.LibraryID)
	if err != nil {
		return err
	}
	embModel := o.engine.ResolveEmbeddingModel(lib, "")
	compModel := o.engine.ResolveCompletionModel(lib, "")
	prog := &progressTracker{store: o.store, documentID: documentID}

	if err := prog.publish(ctx, 5, "Routing content"); err != nil {
		return err
	}
	split := o.router.Route(doc)
	chapters := split.Split(doc, o.tokens)
	log.Info().Int64("document", documentID).Str("splitter", split.Name()).
		Int("chapters", len(chapters)).Msg("document split")

	if err := prog.publish(ctx, 15, fmt.Sprintf("Persisting %d chapters", len(chapters))); err != nil {
		return err
	}
	err = o.retry.Do(ctx, "persist chapters", func(ctx context.Context) error {
		var rerr error
		chapters, rerr = o.store.ReplaceChapters(ctx, documentID, chapters)
		return rerr
	})
	if err != nil {
		return err
	}

	// Chapter strategies run concurrently at pool width; each chapter's
	// records are persisted in its own transaction, in generated order.
	var done atomic.Int64
	total := len(chapters)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i := range chapters {
		ch := chapters[i]
		g.Go(func() error {
			if err := o.processChapter(gctx, doc, &ch, opts, embModel, compModel); err != nil {
				return fmt.Errorf("chapter %d (%q): %w", ch.OrderIndex, ch.Title, err)
			}
			n := done.Add(1)
			pct := 15 + int(80*n/int64(total))
			return prog.publish(gctx, pct, fmt.Sprintf("Generating chapter embeddings: %d/%d", n, total))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	totalTokens := 0
	for _, ch := range chapters {
		totalTokens += ch.TokenCount
	}
	err = o.retry.Do(ctx, "finalize document", func(ctx context.Context) error {
		return o.store.CompleteDocument(ctx, documentID, totalTokens)
	})
	if err != nil {
		return err
	}
	log.Info().Int64("document", documentID).Int("chapters", total).
		Int("total_tokens", totalTokens).Msg("document completed")
	return nil
}

// processChapter applies the chapter strategy in auto mode plus the optional
// Q&A and summary strategies, then persists all records in one transaction.
func (o *Orchestrator) processChapter(ctx context.Context, doc *models.Document, ch *models.Chapter, opts models.ProcessOptions, embModel, compModel string) error {
	records, err := o.engine.ChapterRecords(ctx, doc, ch, embedding.ModeAuto, embModel)
	if err != nil {
		return err
	}

	if opts.IncludeQA && ch.TokenCount >= o.budgets.QAThresholdTokens {
		qaRecords, err := o.engine.QARecords(ctx, doc, ch, opts.QAPairCount, embModel, compModel)
		if err != nil {
			return err
		}
		records = append(records, qaRecords...)
	}

	if opts.IncludeSummary && ch.TokenCount >= o.budgets.SummaryThresholdTokens {
		rec, summary, err := o.engine.SummaryRecord(ctx, doc, ch, 1000, "", embModel, compModel)
		switch {
		case err != nil && ctx.Err() != nil:
			return err
		case err != nil:
			// Degrade to no summary.
			log.Warn().Int64("document", doc.ID).Str("chapter", ch.Title).Err(err).
				Msg("summary generation failed, continuing without")
		default:
			records = append(records, *rec)
			if uerr := o.store.UpdateChapterSummary(ctx, ch.ID, summary); uerr != nil {
				log.Warn().Int64("chapter", ch.ID).Err(uerr).Msg("failed to store chapter summary")
			}
		}
	}

	for i := range records {
		records[i].OrderInChapter = i
	}
	return o.retry.Do(ctx, "persist embeddings", func(ctx context.Context) error {
		return o.store.InsertEmbeddings(ctx, records)
	})
}

// progressTracker serializes one document's status writes behind a
// high-water mark. Parallel chapter goroutines can compute percentages out
// of order; a stale one is dropped so readers never observe progress moving
// backwards. Publishing also serves as the between-stage cancellation poll.
type progressTracker struct {
	store      store.Store
	documentID int64

	mu   sync.Mutex
	high int
}

func (p *progressTracker) publish(ctx context.Context, pct int, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct < p.high {
		return nil
	}
	p.high = pct
	return p.store.UpdateDocumentStatus(ctx, p.documentID, models.StatusProcessing, pct, message)
}
