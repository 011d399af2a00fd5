package llm_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acervolabs/acervo/internal/apperr"
	"github.com/acervolabs/acervo/internal/config"
	"github.com/acervolabs/acervo/internal/llm"
	"github.com/acervolabs/acervo/pkg/contracts"
	"github.com/acervolabs/acervo/pkg/models"
)

// fakeService is a scriptable pool member.
type fakeService struct {
	name       string
	models     []string
	embedModel string
	failures   int32
	calls      int32
}

func (f *fakeService) Name() string               { return f.name }
func (f *fakeService) CompletionModels() []string { return f.models }
func (f *fakeService) EmbeddingModels() []string {
	if f.embedModel == "" {
		return nil
	}
	return []string{f.embedModel}
}
func (f *fakeService) Dimension() int               { return 3 }
func (f *fakeService) Online(context.Context) error { return nil }

func (f *fakeService) Complete(_ context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, apperr.Transient(nil, "%s is flaky", f.name)
	}
	return &models.CompletionResponse{Content: "ok", Provider: f.name, Model: req.Model}, nil
}

func (f *fakeService) Embed(_ context.Context, _ models.EmbeddingOp, _ string, texts []string) ([][]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, apperr.Transient(nil, "%s is flaky", f.name)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func fastRetry(attempts int) llm.RetryPolicy {
	return llm.RetryPolicy{MaxAttempts: attempts, Delay: 5 * time.Millisecond}
}

// ─── Resolution ──────────────────────────────────────────────

func TestResolve_ExactMatch(t *testing.T) {
	p1 := &fakeService{name: "p1", models: []string{"qwen3-1.7b"}}
	p2 := &fakeService{name: "p2", models: []string{"gpt-4"}}
	pool := llm.NewPoolWithServices(models.RoutingFailover, fastRetry(1), p1, p2)

	svc, err := pool.Resolve("gpt-4")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if svc.Name() != "p2" {
		t.Errorf("Resolve(gpt-4) = %q, want p2", svc.Name())
	}
}

func TestResolve_SubstringMatch(t *testing.T) {
	p1 := &fakeService{name: "p1", models: []string{"gpt-4-turbo-preview"}}
	pool := llm.NewPoolWithServices(models.RoutingFailover, fastRetry(1), p1)

	svc, err := pool.Resolve("gpt-4")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if svc.Name() != "p1" {
		t.Errorf("Resolve(gpt-4) = %q, want p1", svc.Name())
	}
}

func TestResolve_EmbeddingModel(t *testing.T) {
	p1 := &fakeService{name: "p1", models: []string{"gpt-4"}, embedModel: "nomic-embed-text"}
	pool := llm.NewPoolWithServices(models.RoutingFailover, fastRetry(1), p1)

	if _, err := pool.Resolve("nomic-embed-text"); err != nil {
		t.Fatalf("Resolve(embedding model) error = %v", err)
	}
}

func TestResolve_NotRegistered(t *testing.T) {
	p1 := &fakeService{name: "p1", models: []string{"qwen3-1.7b"}}
	pool := llm.NewPoolWithServices(models.RoutingFailover, fastRetry(1), p1)

	_, err := pool.Resolve("mistral-7b")
	if err == nil {
		t.Fatal("Resolve(mistral-7b) expected error")
	}
	if got := apperr.CodeOf(err); got != apperr.CodeModelNotRegistered {
		t.Errorf("CodeOf() = %q, want MODEL_NOT_REGISTERED", got)
	}
}

// ─── Strategy selection ──────────────────────────────────────

func TestSelect_PrimaryOnly(t *testing.T) {
	p1 := &fakeService{name: "p1"}
	p2 := &fakeService{name: "p2"}
	pool := llm.NewPoolWithServices(models.RoutingPrimaryOnly, fastRetry(1), p1, p2)

	for i := 0; i < 3; i++ {
		svc, err := pool.Select(models.RoutingPrimaryOnly, "")
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if svc.Name() != "p1" {
			t.Errorf("Select() = %q, want p1", svc.Name())
		}
	}
}

func TestSelect_RoundRobin(t *testing.T) {
	p1 := &fakeService{name: "p1"}
	p2 := &fakeService{name: "p2"}
	pool := llm.NewPoolWithServices(models.RoutingRoundRobin, fastRetry(1), p1, p2)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		svc, err := pool.Select(models.RoutingRoundRobin, "")
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		seen[svc.Name()]++
	}
	if seen["p1"] != 2 || seen["p2"] != 2 {
		t.Errorf("round-robin distribution = %v, want 2/2", seen)
	}
}

func TestSelect_ModelBasedRequiresModel(t *testing.T) {
	p1 := &fakeService{name: "p1", models: []string{"gpt-4"}}
	pool := llm.NewPoolWithServices(models.RoutingModelBased, fastRetry(1), p1)

	if _, err := pool.Select(models.RoutingModelBased, ""); err == nil {
		t.Fatal("Select(model-based, empty model) expected error")
	}
	if _, err := pool.Embedding(context.Background(), models.OpQuery, "", []string{"x"}); err == nil {
		t.Fatal("Embedding with model-based strategy and no model expected error")
	}
}

// ─── Routing by model through calls ──────────────────────────

func TestCompletion_ModelPinsProvider(t *testing.T) {
	p1 := &fakeService{name: "p1", models: []string{"qwen3-1.7b"}}
	p2 := &fakeService{name: "p2", models: []string{"gpt-4"}}
	pool := llm.NewPoolWithServices(models.RoutingFailover, fastRetry(1), p1, p2)

	resp, err := pool.Completion(context.Background(), &models.CompletionRequest{Model: "gpt-4", User: "hi"})
	if err != nil {
		t.Fatalf("Completion() error = %v", err)
	}
	if resp.Provider != "p2" {
		t.Errorf("Completion provider = %q, want p2", resp.Provider)
	}
	if atomic.LoadInt32(&p1.calls) != 0 {
		t.Errorf("p1 was called %d times, want 0", p1.calls)
	}
}

func TestCompletion_FailoverWalksProviders(t *testing.T) {
	p1 := &fakeService{name: "p1", failures: 10}
	p2 := &fakeService{name: "p2"}
	pool := llm.NewPoolWithServices(models.RoutingFailover, fastRetry(1), p1, p2)

	resp, err := pool.Completion(context.Background(), &models.CompletionRequest{User: "hi"})
	if err != nil {
		t.Fatalf("Completion() error = %v", err)
	}
	if resp.Provider != "p2" {
		t.Errorf("failover landed on %q, want p2", resp.Provider)
	}
}

// ─── Retry semantics ─────────────────────────────────────────

func TestEmbedding_RetriesTransientFailures(t *testing.T) {
	p1 := &fakeService{name: "p1", failures: 2}
	pool := llm.NewPoolWithServices(models.RoutingPrimaryOnly, fastRetry(3), p1)

	vectors, err := pool.Embedding(context.Background(), models.OpPassage, "", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embedding() error = %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("len(vectors) = %d, want 2", len(vectors))
	}
	if got := atomic.LoadInt32(&p1.calls); got != 3 {
		t.Errorf("provider calls = %d, want 3 (two failures + one success)", got)
	}
}

func TestEmbedding_ExhaustedRetriesSurfaceError(t *testing.T) {
	p1 := &fakeService{name: "p1", failures: 10}
	pool := llm.NewPoolWithServices(models.RoutingPrimaryOnly, fastRetry(3), p1)

	_, err := pool.Embedding(context.Background(), models.OpPassage, "", []string{"a"})
	if err == nil {
		t.Fatal("Embedding() expected error after exhausted retries")
	}
	if got := atomic.LoadInt32(&p1.calls); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
}

// ─── HTTP service against a scripted endpoint ────────────────

// TestService_EmbedRecoversFrom503 drives the OpenAI-compatible client
// through two 503 responses and a success, end to end through the pool.
func TestService_EmbedRecoversFrom503(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3],"index":0}]}`))
	}))
	defer ts.Close()

	svc := llm.NewService(config.ProviderConfig{
		Name:               "scripted",
		APIURL:             ts.URL,
		EmbeddingModel:     "test-embed",
		EmbeddingDimension: 3,
	}, 5*time.Second)
	pool := llm.NewPoolWithServices(models.RoutingPrimaryOnly, fastRetry(3), svc)

	vectors, err := pool.Embedding(context.Background(), models.OpQuery, "test-embed", []string{"hello"})
	if err != nil {
		t.Fatalf("Embedding() error = %v", err)
	}
	if len(vectors) != 1 || len(vectors[0]) != 3 {
		t.Fatalf("unexpected vectors %v", vectors)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("endpoint hits = %d, want 3", got)
	}
}

// TestService_4xxIsTerminal verifies client errors are not retried.
func TestService_4xxIsTerminal(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer ts.Close()

	svc := llm.NewService(config.ProviderConfig{Name: "scripted", APIURL: ts.URL, EmbeddingModel: "m"}, 5*time.Second)
	pool := llm.NewPoolWithServices(models.RoutingPrimaryOnly, fastRetry(3), svc)

	_, err := pool.Embedding(context.Background(), models.OpQuery, "m", []string{"x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if apperr.IsTransient(err) {
		t.Error("4xx should not be transient")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("endpoint hits = %d, want 1 (no retry)", got)
	}
}

var _ contracts.LLMService = (*fakeService)(nil)
