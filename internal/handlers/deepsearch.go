package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
	"github.com/umeshrajanna/deepship-llm-worker/internal/postgres"
	"github.com/umeshrajanna/deepship-llm-worker/internal/redisstate"
)

// LLMConfig holds the language-model API connection details.
type LLMConfig struct {
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// deepSearchPayload is the expected JSON structure in the envelope payload,
// mirroring the deep_search task signature.
type deepSearchPayload struct {
	JobID               string            `json:"job_id"`
	Query               string            `json:"query"`
	ConversationHistory []json.RawMessage `json:"conversation_history,omitempty"`
}

// chatRequest is the OpenAI-compatible completion request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// DeepSearchHandler runs the research pipeline for one job: asks the LLM API
// for the report, streams progress to the job's pub/sub channel, and records
// the final markdown in Postgres.
type DeepSearchHandler struct {
	cfg    LLMConfig
	client *http.Client
	store  redisstate.JobStateStore
	repo   postgres.SearchJobRepository
}

// NewDeepSearchHandler creates a DeepSearchHandler from config.
func NewDeepSearchHandler(cfg LLMConfig, store redisstate.JobStateStore, repo postgres.SearchJobRepository) *DeepSearchHandler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &DeepSearchHandler{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		store:  store,
		repo:   repo,
	}
}

func (h *DeepSearchHandler) Kind() domain.Kind { return domain.KindDeepSearch }

func (h *DeepSearchHandler) Handle(ctx context.Context, env *domain.Envelope) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.deep_search")
	defer span.End()

	var p deepSearchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return domain.Permanent(fmt.Errorf("invalid deep search payload: %w", err))
	}
	if p.JobID == "" || p.Query == "" {
		err := errors.New("deep search payload missing required fields 'job_id'/'query'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing required fields")
		return domain.Permanent(err)
	}

	span.SetAttributes(
		attribute.String("search.job_id", p.JobID),
		attribute.Int("search.history_len", len(p.ConversationHistory)),
	)

	h.progress(ctx, p.JobID, "started", "Deep search initiated")
	_ = h.store.SetStatus(ctx, p.JobID, domain.JobProcessing)
	if err := h.repo.UpdateStatus(ctx, p.JobID, domain.JobProcessing); err != nil {
		// DB bookkeeping failures don't abort the job; the report can still
		// be produced and stored.
		span.AddEvent("update status failed")
	}

	markdown, err := h.generateReport(ctx, p.Query)
	if err != nil {
		h.progress(ctx, p.JobID, "error", err.Error())
		if domain.IsPermanent(err) || env.Exhausted() {
			// Terminal for this job: record the failure before the envelope
			// is dead-lettered.
			_ = h.store.SetStatus(ctx, p.JobID, domain.JobFailed)
			_ = h.repo.SetError(ctx, p.JobID, err.Error())
			_ = h.repo.UpdateStatus(ctx, p.JobID, domain.JobFailed)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "report generation failed")
		return err
	}

	if err := h.repo.SetResult(ctx, p.JobID, markdown); err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist report for job %s: %w", p.JobID, err)
	}
	if err := h.repo.UpdateStatus(ctx, p.JobID, domain.JobCompleted); err != nil {
		span.RecordError(err)
		return fmt.Errorf("complete job %s: %w", p.JobID, err)
	}
	_ = h.store.SetStatus(ctx, p.JobID, domain.JobCompleted)
	_ = h.store.SetResult(ctx, p.JobID, []byte(markdown), 0)

	h.progress(ctx, p.JobID, "completed", "Report generation complete")
	span.SetAttributes(attribute.Int("search.report_bytes", len(markdown)))
	return nil
}

// generateReport asks the LLM API for the research report.
func (h *DeepSearchHandler) generateReport(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: h.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a research assistant. Produce a thorough markdown report with cited sources."},
			{Role: "user", Content: query},
		},
	})
	if err != nil {
		return "", domain.Permanent(fmt.Errorf("marshal llm request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.APIURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", domain.Permanent(fmt.Errorf("build llm request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm api call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return "", fmt.Errorf("llm api returned status %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return "", domain.Permanent(fmt.Errorf("llm api rejected request with status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("unmarshal llm response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", errors.New("llm response contained no report")
	}
	return out.Choices[0].Message.Content, nil
}

func (h *DeepSearchHandler) progress(ctx context.Context, jobID, kind string, content any) {
	// Best-effort; a dropped progress update never fails the job.
	_ = h.store.PublishProgress(ctx, jobID, redisstate.ProgressUpdate{Type: kind, Content: content})
}
