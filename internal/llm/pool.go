// Package llm implements the LLM service pool and router: model-keyed
// provider resolution, strategy-based selection, and retry semantics for
// completion and embedding calls.
package llm

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/acervolabs/acervo/internal/apperr"
	"github.com/acervolabs/acervo/internal/config"
	"github.com/acervolabs/acervo/pkg/contracts"
	"github.com/acervolabs/acervo/pkg/models"
)

// Pool holds an ordered list of provider services. It is immutable after
// construction; the only mutable state is the round-robin counter.
type Pool struct {
	services  []contracts.LLMService
	strategy  models.RoutingStrategy
	retry     RetryPolicy
	embedTO   RetryPolicy
	rrCounter uint64
}

// NewPool builds the pool from provider config records, in order. Disabled
// providers are skipped. The first enabled provider is the primary.
func NewPool(cfg config.PoolConfig) *Pool {
	p := &Pool{
		strategy: cfg.Strategy,
		retry: RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			Delay:       cfg.RetryDelay,
			Timeout:     cfg.CompletionTimeout,
		},
		embedTO: RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			Delay:       cfg.RetryDelay,
			Timeout:     cfg.EmbeddingTimeout,
		},
	}
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			log.Info().Str("provider", pc.Name).Msg("provider disabled, skipping")
			continue
		}
		p.services = append(p.services, NewService(pc, cfg.CompletionTimeout))
		log.Info().Str("provider", pc.Name).Strs("models", pc.Models).
			Str("embedding_model", pc.EmbeddingModel).Int("dims", pc.EmbeddingDimension).
			Msg("provider registered")
	}
	return p
}

// NewPoolWithServices builds a pool over pre-constructed services (tests,
// embedded fakes).
func NewPoolWithServices(strategy models.RoutingStrategy, retry RetryPolicy, services ...contracts.LLMService) *Pool {
	return &Pool{services: services, strategy: strategy, retry: retry, embedTO: retry}
}

// Size returns the number of enabled providers.
func (p *Pool) Size() int { return len(p.services) }

// ── Resolution ───────────────────────────────────────────────

// Resolve returns the first provider owning the model. Exact match wins;
// otherwise a case-insensitive prefix/substring match is accepted, so
// "gpt-4" resolves a provider advertising "gpt-4-turbo".
func (p *Pool) Resolve(model string) (contracts.LLMService, error) {
	if model == "" {
		return nil, apperr.Validation("model name is required for model-based resolution")
	}

	for _, svc := range p.services {
		for _, m := range allModels(svc) {
			if m == model {
				return svc, nil
			}
		}
	}

	lower := strings.ToLower(model)
	for _, svc := range p.services {
		for _, m := range allModels(svc) {
			ml := strings.ToLower(m)
			if strings.HasPrefix(ml, lower) || strings.Contains(ml, lower) {
				return svc, nil
			}
		}
	}

	return nil, apperr.ModelNotRegistered(model)
}

// Select returns a service according to the strategy. Failover ordering is
// applied by the call wrappers; Select itself returns the starting point.
func (p *Pool) Select(strategy models.RoutingStrategy, model string) (contracts.LLMService, error) {
	if len(p.services) == 0 {
		return nil, apperr.New(apperr.CodeInternal, "llm pool is empty")
	}
	if strategy == "" {
		strategy = p.strategy
	}

	switch strategy {
	case models.RoutingPrimaryOnly, models.RoutingFailover:
		return p.services[0], nil
	case models.RoutingRoundRobin:
		idx := atomic.AddUint64(&p.rrCounter, 1)
		return p.services[int(idx)%len(p.services)], nil
	case models.RoutingModelBased:
		return p.Resolve(model)
	default:
		return nil, apperr.Validation("unknown routing strategy: %s", strategy)
	}
}

// ListModels returns all registered model names grouped by provider.
func (p *Pool) ListModels() map[string][]string {
	out := make(map[string][]string, len(p.services))
	for _, svc := range p.services {
		ms := allModels(svc)
		sort.Strings(ms)
		out[svc.Name()] = ms
	}
	return out
}

// ── Call wrappers ────────────────────────────────────────────

// Completion routes a chat completion through the pool. A request naming a
// model is served by the provider owning it; otherwise the pool strategy
// picks the provider, with failover walking the secondaries on transient
// errors. Retry applies per the pool policy.
func (p *Pool) Completion(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	candidates, err := p.candidates(req.Model)
	if err != nil {
		return nil, err
	}

	var resp *models.CompletionResponse
	err = p.retry.Do(ctx, "completion", func(ctx context.Context) error {
		var lastErr error
		for _, svc := range candidates {
			r, callErr := svc.Complete(ctx, req)
			if callErr == nil {
				resp = r
				return nil
			}
			lastErr = callErr
			if !apperr.IsTransient(callErr) {
				return callErr
			}
			log.Warn().Str("provider", svc.Name()).Err(callErr).Msg("completion failed, trying next provider")
		}
		return lastErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Embedding routes an embedding call through the pool. The model governs
// provider choice the same way Completion does.
func (p *Pool) Embedding(ctx context.Context, op models.EmbeddingOp, model string, texts []string) ([][]float32, error) {
	candidates, err := p.candidates(model)
	if err != nil {
		return nil, err
	}

	var vectors [][]float32
	err = p.embedTO.Do(ctx, "embedding", func(ctx context.Context) error {
		var lastErr error
		for _, svc := range candidates {
			v, callErr := svc.Embed(ctx, op, model, texts)
			if callErr == nil {
				vectors = v
				return nil
			}
			lastErr = callErr
			if !apperr.IsTransient(callErr) {
				return callErr
			}
			log.Warn().Str("provider", svc.Name()).Err(callErr).Msg("embedding failed, trying next provider")
		}
		return lastErr
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// candidates computes the ordered provider list for one logical call.
// A named model pins the call to its owner; strategy governs the rest.
// Failover yields every provider starting from the primary; the other
// strategies yield a single candidate.
func (p *Pool) candidates(model string) ([]contracts.LLMService, error) {
	if model != "" {
		svc, err := p.Resolve(model)
		if err != nil {
			return nil, err
		}
		return []contracts.LLMService{svc}, nil
	}

	if len(p.services) == 0 {
		return nil, apperr.New(apperr.CodeInternal, "llm pool is empty")
	}

	switch p.strategy {
	case models.RoutingFailover:
		return p.services, nil
	case models.RoutingModelBased:
		return nil, apperr.Validation("model-based strategy requires a model name")
	default:
		svc, err := p.Select(p.strategy, "")
		if err != nil {
			return nil, err
		}
		return []contracts.LLMService{svc}, nil
	}
}

func allModels(svc contracts.LLMService) []string {
	ms := append([]string{}, svc.CompletionModels()...)
	return append(ms, svc.EmbeddingModels()...)
}
