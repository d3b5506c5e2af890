// Package openai is the provider variant for OpenAI-compatible chat
// completion APIs, including self-hosted gateways that speak the same
// protocol.
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/types"
)

const (
	requestTimeout = 90 * time.Second
	streamTimeout  = 5 * time.Minute
)

type Adapter struct {
	name   string
	client *gopenai.Client
}

func New(apiKey, baseURL string) *Adapter {
	return NewCompatible("openai", apiKey, baseURL)
}

// NewCompatible builds an adapter registered as name for another vendor's
// OpenAI-compatible endpoint.
func NewCompatible(name, apiKey, baseURL string) *Adapter {
	cfg := gopenai.DefaultConfig(apiKey)
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Adapter{name: name, client: gopenai.NewClientWithConfig(cfg)}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Summarize(ctx context.Context, call ports.LLMCall) (string, error) {
	return a.complete(ctx, call)
}

func (a *Adapter) IdentifyClips(ctx context.Context, call ports.LLMCall) (string, error) {
	return a.complete(ctx, call)
}

func (a *Adapter) ChatTurn(ctx context.Context, call ports.LLMCall, emit func(ports.Fragment) error) error {
	reqCtx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	req := request(call)
	req.Stream = true
	stream, err := a.client.CreateChatCompletionStream(reqCtx, req)
	if err != nil {
		return a.classify(ctx, err)
	}
	defer stream.Close()

	idx := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return a.classify(ctx, err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		if err := emit(ports.Fragment{Index: idx, Text: resp.Choices[0].Delta.Content}); err != nil {
			return err
		}
		idx++
	}
}

func (a *Adapter) complete(ctx context.Context, call ports.LLMCall) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req := request(call)
	req.ResponseFormat = &gopenai.ChatCompletionResponseFormat{Type: gopenai.ChatCompletionResponseFormatTypeJSONObject}
	resp, err := a.client.CreateChatCompletion(reqCtx, req)
	if err != nil {
		return "", a.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", faults.New(faults.LLMResponseInvalid, a.name, "no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func request(call ports.LLMCall) gopenai.ChatCompletionRequest {
	msgs := make([]gopenai.ChatCompletionMessage, 0, len(call.Messages))
	for _, m := range call.Messages {
		msgs = append(msgs, gopenai.ChatCompletionMessage{Role: roleOf(m.Role), Content: m.Content})
	}
	return gopenai.ChatCompletionRequest{
		Model:       call.Model,
		Messages:    msgs,
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
	}
}

func roleOf(r types.Role) string {
	switch r {
	case types.RoleSystem:
		return gopenai.ChatMessageRoleSystem
	case types.RoleAssistant:
		return gopenai.ChatMessageRoleAssistant
	default:
		return gopenai.ChatMessageRoleUser
	}
}

// classify maps client errors onto fault kinds. The caller's own
// cancellation wins over whatever the transport reported.
func (a *Adapter) classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var apiErr *gopenai.APIError
	if errors.As(err, &apiErr) {
		return faults.Wrap(kindForStatus(apiErr.HTTPStatusCode), a.name, err)
	}
	var reqErr *gopenai.RequestError
	if errors.As(err, &reqErr) {
		return faults.Wrap(kindForStatus(reqErr.HTTPStatusCode), a.name, err)
	}
	return faults.Wrap(faults.LLMTransient, a.name, err)
}

func kindForStatus(code int) faults.Kind {
	switch {
	case code == 0, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return faults.LLMTransient
	default:
		return faults.LLMFatal
	}
}
