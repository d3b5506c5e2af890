package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/types"
)

// StreamEvent is one message on a chat stream. A stream carries zero or more
// Text events and then exactly one event with Done or Err set, after which
// the channel is closed. A channel closed without a terminal event means the
// caller's context was cancelled.
type StreamEvent struct {
	Text string
	Done bool
	Err  error
}

// ChatTurn streams the assistant reply to message given the prior history.
// Cancelling ctx tears down the provider request.
func (g *Gateway) ChatTurn(ctx context.Context, history []types.ChatMessage, message string, sel Selection) (<-chan StreamEvent, error) {
	if strings.TrimSpace(message) == "" {
		return nil, faults.New(faults.InvalidInput, "chat", "message is empty")
	}
	p, sel, err := g.provider(sel)
	if err != nil {
		return nil, err
	}
	msgs := make([]types.ChatMessage, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, types.ChatMessage{Role: types.RoleUser, Content: message})

	out := make(chan StreamEvent, g.cfg.StreamBuffer)
	go g.stream(ctx, p, g.call(sel.Model, msgs), out)
	return out, nil
}

// ChatTurnText is the batch form of ChatTurn.
func (g *Gateway) ChatTurnText(ctx context.Context, history []types.ChatMessage, message string, sel Selection) (string, error) {
	ch, err := g.ChatTurn(ctx, history, message, sel)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for ev := range ch {
		switch {
		case ev.Err != nil:
			return "", ev.Err
		case ev.Done:
			return b.String(), nil
		default:
			b.WriteString(ev.Text)
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", faults.New(faults.Internal, "chat", "stream closed without end marker")
}

func (g *Gateway) stream(ctx context.Context, p ports.LLMProvider, call ports.LLMCall, out chan<- StreamEvent) {
	defer close(out)

	var err error
	for attempt := 1; ; attempt++ {
		var delivered int
		ro := newReorderer(func(text string) error {
			select {
			case out <- StreamEvent{Text: text}:
				delivered++
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		err = p.ChatTurn(ctx, call, ro.push)
		if err == nil {
			err = ro.complete()
		}
		if err == nil {
			select {
			case out <- StreamEvent{Done: true}:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		// A partially delivered reply cannot be resumed.
		if delivered > 0 || faults.KindOf(err) != faults.LLMTransient || attempt >= g.cfg.Retry.Attempts {
			break
		}
		d := g.backoff(attempt)
		g.log.Warn("chat stream failed before first fragment, retrying", "provider", p.Name(), "attempt", attempt, "delay", d, "err", err)
		if serr := g.sleep(ctx, d); serr != nil {
			err = serr
			break
		}
	}

	select {
	case out <- StreamEvent{Err: err}:
	case <-ctx.Done():
	}
}

// reorderer releases fragments strictly in index order no matter the order
// in which the provider hands them over.
type reorderer struct {
	mu      sync.Mutex
	next    int
	pending map[int]string
	deliver func(string) error
}

func newReorderer(deliver func(string) error) *reorderer {
	return &reorderer{pending: make(map[int]string), deliver: deliver}
}

func (r *reorderer) push(f ports.Fragment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.Index < r.next {
		return nil
	}
	r.pending[f.Index] = f.Text
	for {
		text, ok := r.pending[r.next]
		if !ok {
			return nil
		}
		delete(r.pending, r.next)
		r.next++
		if err := r.deliver(text); err != nil {
			return err
		}
	}
}

// complete reports fragments still held back behind a missing index.
func (r *reorderer) complete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	return faults.Newf(faults.LLMTransient, "chat", "stream ended with %d fragments held behind missing index %d", len(r.pending), r.next)
}
