package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/types"
)

type reply struct {
	raw string
	err error
}

// scriptedProvider returns queued replies in order and records every call.
type scriptedProvider struct {
	name string

	mu      sync.Mutex
	replies []reply
	calls   []ports.LLMCall
	chat    func(ctx context.Context, emit func(ports.Fragment) error) error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) next(call ports.LLMCall) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if len(p.replies) == 0 {
		return "", errors.New("no scripted reply left")
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r.raw, r.err
}

func (p *scriptedProvider) Summarize(ctx context.Context, call ports.LLMCall) (string, error) {
	return p.next(call)
}

func (p *scriptedProvider) IdentifyClips(ctx context.Context, call ports.LLMCall) (string, error) {
	return p.next(call)
}

func (p *scriptedProvider) ChatTurn(ctx context.Context, call ports.LLMCall, emit func(ports.Fragment) error) error {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	return p.chat(ctx, emit)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestGateway(t *testing.T, p *scriptedProvider) *Gateway {
	t.Helper()
	g, err := New(Config{DefaultModels: map[string]string{p.name: "m"}}, nil, p)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	g.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return g
}

func speech() types.Transcript {
	return types.Transcript{Language: "en", Segments: []types.Segment{
		{Start: 0, End: 30, Text: "We talk about Go."},
		{Start: 30, End: 60, Text: "Then about channels."},
	}}
}

func TestSummarize_RetriesTransientThenSucceeds(t *testing.T) {
	p := &scriptedProvider{name: "fake", replies: []reply{
		{err: faults.New(faults.LLMTransient, "fake", "503")},
		{err: faults.New(faults.LLMTransient, "fake", "429")},
		{raw: "```json\n{\"summary\":\" Go talk \",\"key_points\":[\"go\",\" \"]}\n```"},
	}}
	g := newTestGateway(t, p)

	s, err := g.Summarize(context.Background(), speech(), SummaryOptions{OutputLanguage: "English"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Text != "Go talk" || len(s.KeyPoints) != 1 || s.Language != "english" {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if p.callCount() != 3 {
		t.Fatalf("expected 3 calls, got %d", p.callCount())
	}
	if p.calls[0].Model != "m" {
		t.Fatalf("default model not applied: %q", p.calls[0].Model)
	}
}

func TestSummarize_FatalIsNotRetried(t *testing.T) {
	p := &scriptedProvider{name: "fake", replies: []reply{
		{err: faults.New(faults.LLMFatal, "fake", "401")},
		{raw: `{"summary":"never reached"}`},
	}}
	g := newTestGateway(t, p)

	_, err := g.Summarize(context.Background(), speech(), SummaryOptions{})
	if faults.KindOf(err) != faults.LLMFatal {
		t.Fatalf("expected llm_fatal, got %v", err)
	}
	if p.callCount() != 1 {
		t.Fatalf("expected a single call, got %d", p.callCount())
	}
}

func TestSummarize_TransientExhausted(t *testing.T) {
	p := &scriptedProvider{name: "fake"}
	for i := 0; i < 5; i++ {
		p.replies = append(p.replies, reply{err: faults.New(faults.LLMTransient, "fake", "timeout")})
	}
	g := newTestGateway(t, p)

	_, err := g.Summarize(context.Background(), speech(), SummaryOptions{})
	if faults.KindOf(err) != faults.LLMTransient {
		t.Fatalf("expected llm_transient, got %v", err)
	}
	if p.callCount() != DefaultRetry.Attempts {
		t.Fatalf("expected %d calls, got %d", DefaultRetry.Attempts, p.callCount())
	}
}

func TestSummarize_InvalidTwiceSurfacesInvalid(t *testing.T) {
	p := &scriptedProvider{name: "fake", replies: []reply{
		{raw: `{"key_points":[]}`},
		{raw: `not json at all`},
	}}
	g := newTestGateway(t, p)

	_, err := g.Summarize(context.Background(), speech(), SummaryOptions{})
	if faults.KindOf(err) != faults.LLMResponseInvalid {
		t.Fatalf("expected llm_response_invalid, got %v", err)
	}
	if p.callCount() != 2 {
		t.Fatalf("expected exactly one stricter retry, got %d calls", p.callCount())
	}
	second := p.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != types.RoleUser || !strings.Contains(last.Content, `missing required field "summary"`) {
		t.Fatalf("stricter prompt should name the problem, got %q", last.Content)
	}
}

func TestSummarize_InvalidThenValid(t *testing.T) {
	p := &scriptedProvider{name: "fake", replies: []reply{
		{raw: `{"summary":""}`},
		{raw: `{"summary":"fixed","key_points":["a"]}`},
	}}
	g := newTestGateway(t, p)

	s, err := g.Summarize(context.Background(), speech(), SummaryOptions{OutputLanguage: "original"})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.Text != "fixed" || s.Language != "en" {
		t.Fatalf("unexpected summary %+v", s)
	}
}

func TestSummarize_BlankTranscriptDoesNotCallProvider(t *testing.T) {
	p := &scriptedProvider{name: "fake"}
	g := newTestGateway(t, p)

	blank := types.Transcript{Segments: []types.Segment{{Start: 0, End: 10, Text: "  "}}}
	_, err := g.Summarize(context.Background(), blank, SummaryOptions{})
	if faults.KindOf(err) != faults.LLMResponseInvalid {
		t.Fatalf("expected llm_response_invalid, got %v", err)
	}
	if p.callCount() != 0 {
		t.Fatalf("provider must not be called")
	}
}

func TestResolve_UnknownProvider(t *testing.T) {
	g := newTestGateway(t, &scriptedProvider{name: "fake"})
	if _, err := g.Resolve(Selection{Provider: "nope"}); faults.KindOf(err) != faults.InvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
	sel, err := g.Resolve(Selection{})
	if err != nil || sel.Provider != "fake" || sel.Model != "m" {
		t.Fatalf("unexpected resolution %+v, %v", sel, err)
	}
}

func TestIdentifyClips_Validation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"ok", `{"clips":[{"title":"a","description":"d","start":1,"end":20,"importance":7}]}`, false},
		{"timestamp strings", `{"clips":[{"title":"a","start":"00:00:01,000","end":"00:00:20,000","importance":7}]}`, false},
		{"empty list", `{"clips":[]}`, false},
		{"missing clips", `{"items":[]}`, true},
		{"reversed range", `{"clips":[{"title":"a","start":20,"end":5,"importance":7}]}`, true},
		{"past end", `{"clips":[{"title":"a","start":10,"end":90,"importance":7}]}`, true},
		{"importance range", `{"clips":[{"title":"a","start":1,"end":20,"importance":11}]}`, true},
		{"missing title", `{"clips":[{"start":1,"end":20,"importance":5}]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseClips(tt.raw, 60*time.Second)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestIdentifyClips_RetriesOnceWithStricterPrompt(t *testing.T) {
	p := &scriptedProvider{name: "fake", replies: []reply{
		{raw: `{"clips":[{"title":"a","start":1,"end":20,"importance":0}]}`},
		{raw: `{"clips":[{"title":"a","description":"why","start":1,"end":20,"importance":6}]}`},
	}}
	g := newTestGateway(t, p)

	clips, err := g.IdentifyClips(context.Background(), speech(), ClipOptions{Count: 2})
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if len(clips) != 1 || clips[0].Rationale != "why" || clips[0].EndSec != 20 {
		t.Fatalf("unexpected clips: %+v", clips)
	}
	if !strings.Contains(p.calls[0].Messages[1].Content, "00:00:30,000 --> 00:01:00,000") {
		t.Fatalf("clip prompt should embed SRT transcript")
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantSub string
		wantErr bool
	}{
		{"raw", `{"clips":[{"title":"t","start":0,"end":1}]}`, `"clips"`, false},
		{"fenced", "```json\n{\"clips\":[]}\n```", `"clips"`, false},
		{"preface", "sure! {\"clips\":[]} thanks", `"clips"`, false},
		{"empty", "   ", "", true},
		{"nojson", "hello", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSONObject(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(got, tt.wantSub) {
				t.Fatalf("expected %q to contain %q", got, tt.wantSub)
			}
		})
	}
}

func TestBackoff_ExponentialAndCapped(t *testing.T) {
	g := &Gateway{cfg: Config{Retry: RetryPolicy{Attempts: 5, BaseDelay: time.Second, MaxDelay: 3 * time.Second}}}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := g.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
