package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/types"
)

type turn struct {
	history []types.ChatMessage
	message string
}

// fakeGateway replays chunks for every turn. When hold is set each stream
// waits for it (or ctx) before finishing.
type fakeGateway struct {
	chunks []string
	fail   error
	hold   chan struct{}

	mu    sync.Mutex
	turns []turn
	ctxs  []context.Context
}

func (g *fakeGateway) Resolve(sel llm.Selection) (llm.Selection, error) {
	if sel.Provider == "" {
		sel.Provider = "fake"
	}
	return sel, nil
}

func (g *fakeGateway) ChatTurn(ctx context.Context, history []types.ChatMessage, message string, sel llm.Selection) (<-chan llm.StreamEvent, error) {
	g.mu.Lock()
	g.turns = append(g.turns, turn{history: append([]types.ChatMessage(nil), history...), message: message})
	g.ctxs = append(g.ctxs, ctx)
	g.mu.Unlock()

	out := make(chan llm.StreamEvent, len(g.chunks)+1)
	go func() {
		defer close(out)
		for _, c := range g.chunks {
			out <- llm.StreamEvent{Text: c}
		}
		if g.hold != nil {
			select {
			case <-g.hold:
			case <-ctx.Done():
				return
			}
		}
		if g.fail != nil {
			out <- llm.StreamEvent{Err: g.fail}
			return
		}
		out <- llm.StreamEvent{Done: true}
	}()
	return out, nil
}

func collect(t *testing.T, ch <-chan llm.StreamEvent) (string, llm.StreamEvent) {
	t.Helper()
	var (
		b    strings.Builder
		last llm.StreamEvent
	)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return b.String(), last
			}
			b.WriteString(ev.Text)
			last = ev
		case <-timeout:
			t.Fatalf("stream did not close")
		}
	}
}

func transcript() types.Transcript {
	return types.Transcript{Segments: []types.Segment{{Start: 1, End: 3, Text: "Channels are typed conduits."}}}
}

func TestSend_RecordsReplyAfterDone(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"Chan", "nels ", "at 00:00:01."}}
	s := NewStore(gw, nil)
	id, err := s.Start(context.Background(), transcript(), "sha256:x", llm.Selection{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ch, err := s.Send(context.Background(), id, "What are channels?")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	text, last := collect(t, ch)
	if text != "Channels at 00:00:01." || !last.Done {
		t.Fatalf("unexpected stream %q / %+v", text, last)
	}

	h, err := s.History(id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(h) != 2 || h[0].Role != types.RoleUser || h[1].Role != types.RoleAssistant || h[1].Content != text {
		t.Fatalf("unexpected history %+v", h)
	}

	sess, _ := s.Get(id)
	if sess.History[0].Role != types.RoleSystem || !strings.Contains(sess.History[0].Content, "00:00:01,000 --> 00:00:03,000") {
		t.Fatalf("system framing should embed the SRT transcript: %q", sess.History[0].Content)
	}
	if gw.turns[0].message != "What are channels?" || len(gw.turns[0].history) != 1 {
		t.Fatalf("unexpected gateway turn %+v", gw.turns[0])
	}
}

func TestSend_NextTurnRightAfterDone(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"ok"}}
	s := NewStore(gw, nil)
	id, _ := s.Start(context.Background(), transcript(), "", llm.Selection{})

	for i := 0; i < 50; i++ {
		ch, err := s.Send(context.Background(), id, "again?")
		if err != nil {
			t.Fatalf("turn %d: send right after done: %v", i, err)
		}
		for ev := range ch {
			if ev.Done {
				break
			}
		}
		h, _ := s.History(id)
		if n := len(h); n != 2*(i+1) || h[n-1].Role != types.RoleAssistant || h[n-1].Content != "ok" {
			t.Fatalf("turn %d: reply not recorded when done was seen: %+v", i, h)
		}
	}
}

func TestSend_BusyWhileStreaming(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"a"}, hold: make(chan struct{})}
	s := NewStore(gw, nil)
	id, _ := s.Start(context.Background(), transcript(), "", llm.Selection{})

	ch, err := s.Send(context.Background(), id, "first")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := s.Send(context.Background(), id, "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(gw.hold)
	collect(t, ch)

	gw.hold = nil
	ch, err = s.Send(context.Background(), id, "second")
	if err != nil {
		t.Fatalf("send after finish: %v", err)
	}
	collect(t, ch)
}

func TestSend_FailedTurnIsReplaced(t *testing.T) {
	gw := &fakeGateway{fail: faults.New(faults.LLMTransient, "chat", "reset")}
	s := NewStore(gw, nil)
	id, _ := s.Start(context.Background(), transcript(), "", llm.Selection{})

	ch, _ := s.Send(context.Background(), id, "lost question")
	if _, last := collect(t, ch); last.Err == nil {
		t.Fatalf("expected error event")
	}
	h, _ := s.History(id)
	if len(h) != 1 || h[0].Content != "lost question" {
		t.Fatalf("failed turn should leave a dangling user message: %+v", h)
	}

	gw.fail = nil
	gw.chunks = []string{"ok"}
	ch, _ = s.Send(context.Background(), id, "retry")
	collect(t, ch)
	h, _ = s.History(id)
	if len(h) != 2 || h[0].Content != "retry" || h[1].Content != "ok" {
		t.Fatalf("dangling message should be replaced: %+v", h)
	}
}

func TestSend_HistoryWindow(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"r"}}
	s := NewStore(gw, nil)
	id, _ := s.Start(context.Background(), transcript(), "", llm.Selection{})

	for i := 0; i < 15; i++ {
		ch, err := s.Send(context.Background(), id, "q")
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		collect(t, ch)
	}
	last := gw.turns[len(gw.turns)-1]
	if last.history[0].Role != types.RoleSystem {
		t.Fatalf("system framing must always be sent")
	}
	if n := len(last.history) - 1; n != MaxHistory-1 {
		t.Fatalf("expected %d prior messages, got %d", MaxHistory-1, n)
	}
	if h, _ := s.History(id); len(h) != 30 {
		t.Fatalf("stored history should be complete, got %d", len(h))
	}
}

func TestSend_CancellationReachesGateway(t *testing.T) {
	gw := &fakeGateway{chunks: []string{"partial"}, hold: make(chan struct{})}
	s := NewStore(gw, nil)
	id, _ := s.Start(context.Background(), transcript(), "", llm.Selection{})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Send(ctx, id, "long question")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	cancel()
	collect(t, ch)

	gw.mu.Lock()
	gctx := gw.ctxs[0]
	gw.mu.Unlock()
	if gctx.Err() == nil {
		t.Fatalf("gateway context should be cancelled")
	}
	h, _ := s.History(id)
	if len(h) != 1 {
		t.Fatalf("cancelled reply must not be recorded: %+v", h)
	}
	// The session is usable again.
	gw.hold = nil
	ch, err = s.Send(context.Background(), id, "again")
	if err != nil {
		t.Fatalf("send after cancel: %v", err)
	}
	collect(t, ch)
}

func TestStore_NotFoundAndEnd(t *testing.T) {
	s := NewStore(&fakeGateway{}, nil)
	if _, err := s.Send(context.Background(), "nope", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	id, _ := s.Start(context.Background(), transcript(), "", llm.Selection{})
	if _, err := s.Send(context.Background(), id, "   "); faults.KindOf(err) != faults.InvalidInput {
		t.Fatalf("expected invalid_input, got %v", err)
	}
	if err := s.End(id); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := s.History(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after End, got %v", err)
	}
}
