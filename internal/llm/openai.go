package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/acervolabs/acervo/internal/apperr"
	"github.com/acervolabs/acervo/internal/config"
	"github.com/acervolabs/acervo/pkg/models"
)

// Service is one OpenAI-compatible provider client: chat completions plus
// embeddings against the same base URL. Local runtimes (Ollama, vLLM,
// LM Studio) and hosted endpoints all speak this wire shape.
type Service struct {
	name           string
	baseURL        string
	apiKey         string
	models         []string
	embeddingModel string
	dimension      int
	contextLength  int
	client         *http.Client
}

// NewService builds a provider client from its immutable config record.
func NewService(cfg config.ProviderConfig, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Service{
		name:           cfg.Name,
		baseURL:        cfg.APIURL,
		apiKey:         cfg.APIKey,
		models:         cfg.Models,
		embeddingModel: cfg.EmbeddingModel,
		dimension:      cfg.EmbeddingDimension,
		contextLength:  cfg.ContextLength,
		client:         &http.Client{Timeout: timeout},
	}
}

func (s *Service) Name() string { return s.name }

func (s *Service) CompletionModels() []string { return s.models }

func (s *Service) EmbeddingModels() []string {
	if s.embeddingModel == "" {
		return nil
	}
	return []string{s.embeddingModel}
}

func (s *Service) Dimension() int { return s.dimension }

// ── Chat completions ─────────────────────────────────────────

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Complete sends a chat completion request.
func (s *Service) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	model := req.Model
	if model == "" && len(s.models) > 0 {
		model = s.models[0]
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	start := time.Now()
	var out chatResponse
	if err := s.post(ctx, "/chat/completions", chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, apperr.New(apperr.CodeInternal, "%s completion: %s", s.name, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, apperr.New(apperr.CodeInternal, "%s completion: empty choices", s.name)
	}

	return &models.CompletionResponse{
		Content:          out.Choices[0].Message.Content,
		Provider:         s.name,
		Model:            model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
	}, nil
}

// ── Embeddings ───────────────────────────────────────────────

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// Embed generates one vector per input text. The op is advisory here; the
// OpenAI wire shape carries no query/passage distinction.
func (s *Service) Embed(ctx context.Context, op models.EmbeddingOp, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if model == "" {
		model = s.embeddingModel
	}

	var out embedResponse
	if err := s.post(ctx, "/embeddings", embedRequest{Model: model, Input: texts}, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, apperr.New(apperr.CodeInternal, "%s embeddings: %s", s.name, out.Error.Message)
	}
	if len(out.Data) != len(texts) {
		return nil, apperr.New(apperr.CodeInternal, "%s embeddings: expected %d vectors, got %d", s.name, len(texts), len(out.Data))
	}

	// Reorder by index; providers may return out of order.
	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

// Online probes the provider's model listing endpoint.
func (s *Service) Online(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Transient(err, "%s unreachable", s.name)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return apperr.Transient(nil, "%s returned %d", s.name, resp.StatusCode)
	}
	return nil
}

// post sends a JSON request and decodes the response, classifying transport
// failures and 5xx statuses as transient and 4xx as terminal.
func (s *Service) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Transient(err, "%s%s request failed", s.name, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Transient(err, "%s%s read response", s.name, path)
	}

	switch {
	case resp.StatusCode >= 500:
		return apperr.Transient(nil, "%s%s returned %d: %s", s.name, path, resp.StatusCode, truncate(respBody, 200))
	case resp.StatusCode >= 400:
		return apperr.New(apperr.CodeInternal, "%s%s returned %d: %s", s.name, path, resp.StatusCode, truncate(respBody, 200))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", path, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
