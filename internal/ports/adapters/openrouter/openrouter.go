package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/ports"
)

type Adapter struct {
	key     string
	baseURL string
	client  *http.Client
}

const (
	requestTimeout = 90 * time.Second
	streamTimeout  = 5 * time.Minute
)

func New(apiKey, baseURL string) *Adapter {
	return &Adapter{key: apiKey, baseURL: normalizeBaseURL(baseURL), client: &http.Client{}}
}

func (a *Adapter) Name() string { return "openrouter" }

func (a *Adapter) Summarize(ctx context.Context, call ports.LLMCall) (string, error) {
	return a.complete(ctx, call, summarySchema())
}

func (a *Adapter) IdentifyClips(ctx context.Context, call ports.LLMCall) (string, error) {
	return a.complete(ctx, call, clipsSchema())
}

func (a *Adapter) ChatTurn(ctx context.Context, call ports.LLMCall, emit func(ports.Fragment) error) error {
	reqCtx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	resp, err := a.post(reqCtx, ctx, a.payload(call, nil, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	idx := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		// SSE comments such as ": OPENROUTER PROCESSING" keep the connection alive.
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return faults.Wrap(faults.LLMTransient, "openrouter stream", fmt.Errorf("decode chunk: %w", err))
		}
		if chunk.Error != nil {
			return faults.New(faults.LLMTransient, "openrouter stream", truncate(redactSecrets(chunk.Error.Message, a.key), 400))
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		if err := emit(ports.Fragment{Index: idx, Text: chunk.Choices[0].Delta.Content}); err != nil {
			return err
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Wrap(faults.LLMTransient, "openrouter stream", err)
	}
	return nil
}

func (a *Adapter) complete(ctx context.Context, call ports.LLMCall, schema map[string]any) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := a.post(reqCtx, ctx, a.payload(call, schema, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var raw struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return "", faults.Wrap(faults.LLMTransient, "openrouter", fmt.Errorf("decode response: %w", err))
	}
	if len(raw.Choices) == 0 {
		return "", faults.New(faults.LLMResponseInvalid, "openrouter", "no choices in response")
	}
	content, err := messageContentToString(raw.Choices[0].Message.Content)
	if err != nil {
		return "", faults.Wrap(faults.LLMResponseInvalid, "openrouter", err)
	}
	return content, nil
}

func (a *Adapter) payload(call ports.LLMCall, schema map[string]any, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(call.Messages))
	for _, m := range call.Messages {
		msgs = append(msgs, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	p := map[string]any{
		"model":    call.Model,
		"stream":   stream,
		"messages": msgs,
	}
	if call.MaxTokens > 0 {
		p["max_tokens"] = call.MaxTokens
	}
	if call.Temperature > 0 {
		p["temperature"] = call.Temperature
	}
	if schema != nil {
		p["response_format"] = map[string]any{"type": "json_schema", "json_schema": schema}
	}
	return p
}

// post sends the chat completion request. reqCtx carries the per-call
// timeout, parent is the caller's context.
func (a *Adapter) post(reqCtx, parent context.Context, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, faults.Wrap(faults.LLMFatal, "openrouter", fmt.Errorf("marshal request: %w", err))
	}
	url := a.baseURL + "/api/v1/chat/completions"

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.Wrap(faults.LLMFatal, "openrouter", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, faults.Newf(faults.LLMTransient, "openrouter", "timeout (model=%s)", payload["model"])
		}
		return nil, faults.Wrap(faults.LLMTransient, "openrouter", errors.New(redactSecrets(err.Error(), a.key)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		rb, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if readErr != nil {
			return nil, faults.Newf(classifyStatus(resp.StatusCode), "openrouter", "status %d and read body failed: %v", resp.StatusCode, readErr)
		}
		return nil, faults.Newf(classifyStatus(resp.StatusCode), "openrouter", "status %d: %s", resp.StatusCode, truncate(redactSecrets(string(rb), a.key), 400))
	}
	return resp, nil
}

func classifyStatus(code int) faults.Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		return faults.LLMTransient
	default:
		return faults.LLMFatal
	}
}

func summarySchema() map[string]any {
	return map[string]any{
		"name": "summary",
		"schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary":    map[string]any{"type": "string"},
				"key_points": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"summary", "key_points"},
		},
	}
}

func clipsSchema() map[string]any {
	return map[string]any{
		"name": "clips",
		"schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"clips": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"title":       map[string]any{"type": "string"},
							"description": map[string]any{"type": "string"},
							"start":       map[string]any{"type": "number"},
							"end":         map[string]any{"type": "number"},
							"importance":  map[string]any{"type": "number"},
						},
						"required": []string{"title", "description", "start", "end", "importance"},
					},
				},
			},
			"required": []string{"clips"},
		},
	}
}

func messageContentToString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []any:
		// Some providers return an array of {type,text} parts.
		var b strings.Builder
		for _, it := range x {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				b.WriteString(t)
			}
		}
		s := b.String()
		if strings.TrimSpace(s) == "" {
			return "", errors.New("openrouter: empty content")
		}
		return s, nil
	default:
		return "", fmt.Errorf("openrouter: unexpected content type %T", v)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	bearerTokenRE = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]+\b`)
	authHeaderRE  = regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)([^\n\r,;]+)`)
	apiKeyFieldRE = regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)([^\n\r,;]+)`)
)

func redactSecrets(s, apiKey string) string {
	if s == "" {
		return s
	}
	out := s
	if apiKey != "" {
		out = strings.ReplaceAll(out, apiKey, "[REDACTED]")
	}
	out = bearerTokenRE.ReplaceAllString(out, "Bearer [REDACTED]")
	out = authHeaderRE.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyFieldRE.ReplaceAllString(out, "${1}[REDACTED]")
	return out
}
