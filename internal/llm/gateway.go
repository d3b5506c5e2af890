// Package llm is the provider-agnostic gateway used by the pipeline for
// summaries, clip identification and chat.
package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/types"
)

// Selection picks a provider variant and model. Empty fields fall back to
// the gateway defaults.
type Selection struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}

type Config struct {
	DefaultProvider string
	// DefaultModels maps provider name to the model used when a request
	// names none.
	DefaultModels map[string]string
	MaxTokens     int
	Temperature   float32
	Retry         RetryPolicy
	// StreamBuffer is the capacity of chat stream channels.
	StreamBuffer int
}

type Gateway struct {
	providers map[string]ports.LLMProvider
	cfg       Config
	log       *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log *slog.Logger, providers ...ports.LLMProvider) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("llm: no providers configured")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetry
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 16
	}
	g := &Gateway{
		providers: make(map[string]ports.LLMProvider, len(providers)),
		cfg:       cfg,
		log:       log,
		sleep:     sleepCtx,
	}
	for _, p := range providers {
		g.providers[p.Name()] = p
	}
	if g.cfg.DefaultProvider == "" {
		g.cfg.DefaultProvider = providers[0].Name()
	}
	if _, ok := g.providers[g.cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("llm: default provider %q is not configured (have %s)", g.cfg.DefaultProvider, strings.Join(g.Providers(), ", "))
	}
	return g, nil
}

// Providers lists the configured provider names.
func (g *Gateway) Providers() []string {
	out := make([]string, 0, len(g.providers))
	for name := range g.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve fills in defaults and reports an unknown provider as invalid input.
func (g *Gateway) Resolve(sel Selection) (Selection, error) {
	if sel.Provider == "" {
		sel.Provider = g.cfg.DefaultProvider
	}
	if _, ok := g.providers[sel.Provider]; !ok {
		return sel, faults.Newf(faults.InvalidInput, "llm", "unknown provider %q (have %s)", sel.Provider, strings.Join(g.Providers(), ", "))
	}
	if sel.Model == "" {
		sel.Model = g.cfg.DefaultModels[sel.Provider]
	}
	return sel, nil
}

func (g *Gateway) provider(sel Selection) (ports.LLMProvider, Selection, error) {
	sel, err := g.Resolve(sel)
	if err != nil {
		return nil, sel, err
	}
	return g.providers[sel.Provider], sel, nil
}

func (g *Gateway) call(model string, msgs []types.ChatMessage) ports.LLMCall {
	return ports.LLMCall{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}
}

// withRetry runs fn until it succeeds, fails with a non-transient error, or
// the attempt budget is spent.
func withRetry[T any](ctx context.Context, g *Gateway, op, provider string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if faults.KindOf(err) != faults.LLMTransient || attempt >= g.cfg.Retry.Attempts {
			return zero, err
		}
		d := g.backoff(attempt)
		g.log.Warn("llm call failed, retrying", "op", op, "provider", provider, "attempt", attempt, "delay", d, "err", err)
		if err := g.sleep(ctx, d); err != nil {
			return zero, err
		}
	}
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.Retry.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if g.cfg.Retry.MaxDelay > 0 && d >= g.cfg.Retry.MaxDelay {
			return g.cfg.Retry.MaxDelay
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
