// Package chat keeps per-video conversations and streams assistant replies
// through the LLM gateway.
package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/types"
)

// MaxHistory caps how many non-system messages are sent with each turn.
const MaxHistory = 20

var (
	ErrNotFound = errors.New("chat session not found")
	ErrBusy     = errors.New("chat session is answering another message")
)

type Gateway interface {
	Resolve(sel llm.Selection) (llm.Selection, error)
	ChatTurn(ctx context.Context, history []types.ChatMessage, message string, sel llm.Selection) (<-chan llm.StreamEvent, error)
}

type Session struct {
	ID          string              `json:"id"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	Selection   llm.Selection       `json:"selection"`
	History     []types.ChatMessage `json:"history"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type session struct {
	Session
	busy bool
}

type Store struct {
	gw  Gateway
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func NewStore(gw Gateway, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{gw: gw, log: log, now: time.Now, sessions: make(map[string]*session)}
}

// Start opens a conversation about tr and returns its id.
func (s *Store) Start(ctx context.Context, tr types.Transcript, fingerprint string, sel llm.Selection) (string, error) {
	sel, err := s.gw.Resolve(sel)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	sess := &session{Session: Session{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Selection:   sel,
		History:     []types.ChatMessage{{Role: types.RoleSystem, Content: llm.ChatSystemPrompt(tr)}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.log.Info("chat session started", "session_id", sess.ID, "fingerprint", fingerprint, "provider", sel.Provider)
	return sess.ID, nil
}

// Send adds message to the conversation and streams the reply. The reply is
// recorded only once it finished; a failed turn leaves the user message
// dangling so the next Send replaces it.
func (s *Store) Send(ctx context.Context, id, message string) (<-chan llm.StreamEvent, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, faults.New(faults.InvalidInput, "chat", "message is empty")
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if sess.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if n := len(sess.History); n > 1 && sess.History[n-1].Role == types.RoleUser {
		sess.History = sess.History[:n-1]
	}
	prior := window(sess.History)
	sess.History = append(sess.History, types.ChatMessage{Role: types.RoleUser, Content: message})
	sess.UpdatedAt = s.now().UTC()
	sess.busy = true
	sel := sess.Selection
	s.mu.Unlock()

	in, err := s.gw.ChatTurn(ctx, prior, message, sel)
	if err != nil {
		s.finish(id, "")
		return nil, err
	}

	out := make(chan llm.StreamEvent, cap(in))
	go s.forward(ctx, id, in, out)
	return out, nil
}

// forward relays in to out. The turn is settled before Done is delivered,
// so a caller that saw Done can send the next message right away.
func (s *Store) forward(ctx context.Context, id string, in <-chan llm.StreamEvent, out chan<- llm.StreamEvent) {
	defer close(out)
	var (
		b        strings.Builder
		finished bool
	)
	for ev := range in {
		if ev.Err != nil {
			s.log.Warn("chat turn failed", "session_id", id, "err", ev.Err)
		}
		b.WriteString(ev.Text)
		if (ev.Done || ev.Err != nil) && !finished {
			reply := ""
			if ev.Done && ev.Err == nil {
				reply = b.String()
			}
			s.finish(id, reply)
			finished = true
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			// Keep draining so the gateway can shut down.
		}
	}
	if !finished {
		s.finish(id, "")
	}
}

// finish clears the busy flag and records reply when non-empty.
func (s *Store) finish(id, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.busy = false
	if reply != "" {
		sess.History = append(sess.History, types.ChatMessage{Role: types.RoleAssistant, Content: reply})
		sess.UpdatedAt = s.now().UTC()
	}
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	out := sess.Session
	out.History = append([]types.ChatMessage(nil), sess.History...)
	return out, nil
}

// History returns the conversation without the system framing.
func (s *Store) History(id string) ([]types.ChatMessage, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	out := make([]types.ChatMessage, 0, len(sess.History))
	for _, m := range sess.History {
		if m.Role != types.RoleSystem {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) End(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// window keeps the system framing plus the newest MaxHistory-1 messages so
// that, with the new user turn, at most MaxHistory non-system messages go
// out.
func window(h []types.ChatMessage) []types.ChatMessage {
	var sys []types.ChatMessage
	rest := h
	if len(h) > 0 && h[0].Role == types.RoleSystem {
		sys, rest = h[:1], h[1:]
	}
	if keep := MaxHistory - 1; len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	out := make([]types.ChatMessage, 0, len(sys)+len(rest))
	out = append(out, sys...)
	return append(out, rest...)
}
