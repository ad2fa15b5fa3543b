package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/workledger/internal/llm"
)

// ErrEmptyContent is returned when the model answers with no text.
var ErrEmptyContent = errors.New("model returned empty content")

// Generate implements llm.ContentGenerator over chat/completions.
func (c *Client) Generate(ctx context.Context, req llm.ContentRequest) (string, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("llm.generate.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"page", req.PageURL,
		"products", len(req.Products),
	)

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"max_tokens":  c.cfg.MaxTokens,
		"messages": []map[string]any{
			{"role": "system", "content": llm.BuildSystemPrompt()},
			{"role": "user", "content": llm.BuildUserPrompt(req)},
		},
	}
	raw, err := llm.PostJSON(ctx, c.http, llm.Call{
		URL:     strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions",
		Body:    body,
		Headers: map[string]string{"Authorization": "Bearer " + c.cfg.APIKey},
	}, c.log)
	if err != nil {
		c.log.Error("llm.generate.http_error",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", err
	}

	if err := llm.ChatResponse.Validate(raw); err != nil {
		c.log.Error("llm.generate.schema_validation_failed",
			"req_id", rid, "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return "", fmt.Errorf("unexpected response shape: %w", err)
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	content := llm.CleanContent(cc.Choices[0].Message.Content)
	if content == "" {
		c.log.Warn("llm.generate.empty", "req_id", rid, "finish_reason", cc.Choices[0].FinishReason)
		return "", ErrEmptyContent
	}

	c.log.Info("llm.generate.ok",
		"req_id", rid,
		"chars", len(content),
		"finish_reason", cc.Choices[0].FinishReason,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return content, nil
}
