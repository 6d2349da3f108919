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
	"github.com/umeshrajanna/deepship-llm-worker/internal/redisstate"
)

// ScrapeConfig holds the scraper API connection details.
type ScrapeConfig struct {
	BaseURL string
	Timeout time.Duration
}

// scrapePayload is the expected JSON structure in the envelope payload,
// mirroring the scrape_content task signature.
type scrapePayload struct {
	JobID         string   `json:"job_id"`
	URLs          []string `json:"urls"`
	SearchQuery   string   `json:"search_query"`
	OriginalQuery string   `json:"original_query"`
}

// ScrapeHandler sends a batch of URLs to the scraper API and stores the
// extracted content for the LLM worker to pick up.
type ScrapeHandler struct {
	cfg    ScrapeConfig
	client *http.Client
	store  redisstate.JobStateStore
}

// NewScrapeHandler creates a ScrapeHandler from config.
func NewScrapeHandler(cfg ScrapeConfig, store redisstate.JobStateStore) *ScrapeHandler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ScrapeHandler{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		store:  store,
	}
}

func (h *ScrapeHandler) Kind() domain.Kind { return domain.KindScrapeContent }

func (h *ScrapeHandler) Handle(ctx context.Context, env *domain.Envelope) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "handler.scrape_content")
	defer span.End()

	var p scrapePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return domain.Permanent(fmt.Errorf("invalid scrape payload: %w", err))
	}
	if p.JobID == "" {
		err := errors.New("scrape payload missing required field 'job_id'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'job_id' field")
		return domain.Permanent(err)
	}
	if len(p.URLs) == 0 {
		// Nothing to scrape is a successful no-op, matching the original
		// worker's behaviour.
		return nil
	}

	span.SetAttributes(
		attribute.String("scrape.job_id", p.JobID),
		attribute.Int("scrape.url_count", len(p.URLs)),
	)

	body, err := json.Marshal(p)
	if err != nil {
		return domain.Permanent(fmt.Errorf("marshal scrape request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return domain.Permanent(fmt.Errorf("build scrape request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("scraper api call: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		err := fmt.Errorf("scraper api returned status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "server error")
		return err
	case resp.StatusCode >= http.StatusBadRequest:
		// A request the scraper rejects outright will never succeed on retry.
		err := fmt.Errorf("scraper api rejected request with status %d", resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected request")
		return domain.Permanent(err)
	}

	result, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read scraper response: %w", err)
	}

	if err := h.store.SetResult(ctx, p.JobID, result, 0); err != nil {
		span.RecordError(err)
		return fmt.Errorf("store scrape result: %w", err)
	}

	if err := h.store.PublishProgress(ctx, p.JobID, redisstate.ProgressUpdate{
		Type:    "sources",
		Content: map[string]any{"urls_scraped": len(p.URLs)},
	}); err != nil {
		// Progress updates are best-effort.
		span.AddEvent("progress publish failed")
	}
	return nil
}
