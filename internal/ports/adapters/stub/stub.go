// Package stub is an offline provider variant. It answers from the
// transcript embedded in the prompt without calling any model, which keeps
// demos and smoke runs working without API keys.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/forPelevin/vidsum/internal/domain/subtitles"
	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/types"
)

const transcriptMarker = "Transcript:\n"

var (
	upToRE     = regexp.MustCompile(`up to (\d+)`)
	sentenceRE = regexp.MustCompile(`[^.!?]+[.!?]*`)
)

// Name is the provider name the stub registers under.
const Name = "stub"

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Summarize(ctx context.Context, call ports.LLMCall) (string, error) {
	text := transcriptOf(call)
	sentences := splitSentences(text)
	summary := strings.Join(sentences[:min(2, len(sentences))], " ")
	if summary == "" {
		summary = text
	}
	b, err := json.Marshal(map[string]any{
		"summary":    summary,
		"key_points": sentences[:min(3, len(sentences))],
	})
	return string(b), err
}

func (a *Adapter) IdentifyClips(ctx context.Context, call ports.LLMCall) (string, error) {
	prompt := taskPrompt(call)
	n := 3
	if m := upToRE.FindStringSubmatch(prompt); m != nil {
		n, _ = strconv.Atoi(m[1])
	}
	tr, err := subtitles.ParseSRT(transcriptOf(call))
	if err != nil {
		return "", err
	}
	type clip struct {
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Start       float64 `json:"start"`
		End         float64 `json:"end"`
		Importance  int     `json:"importance"`
	}
	clips := make([]clip, 0, n)
	for i, s := range tr.Segments {
		if len(clips) >= n {
			break
		}
		clips = append(clips, clip{
			Title:       fmt.Sprintf("Moment %d", i+1),
			Description: s.Text,
			Start:       s.Start,
			End:         s.End,
			Importance:  max(1, 10-i),
		})
	}
	b, err := json.Marshal(map[string]any{"clips": clips})
	return string(b), err
}

func (a *Adapter) ChatTurn(ctx context.Context, call ports.LLMCall, emit func(ports.Fragment) error) error {
	reply := "I can only answer from the transcript."
	if tr, err := subtitles.ParseSRT(systemOf(call)); err == nil && len(tr.Segments) > 0 {
		reply = fmt.Sprintf("At %s the video says: %s", subtitles.FormatTime(types.Seconds(tr.Segments[0].Start)), tr.Segments[0].Text)
	}
	for i, w := range strings.SplitAfter(reply, " ") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(ports.Fragment{Index: i, Text: w}); err != nil {
			return err
		}
	}
	return nil
}

func transcriptOf(call ports.LLMCall) string {
	p := taskPrompt(call)
	if i := strings.LastIndex(p, transcriptMarker); i >= 0 {
		return strings.TrimSpace(p[i+len(transcriptMarker):])
	}
	return strings.TrimSpace(p)
}

// taskPrompt returns the first user turn, which carries the task prompt even
// after a stricter follow-up was appended.
func taskPrompt(call ports.LLMCall) string {
	for _, m := range call.Messages {
		if m.Role == types.RoleUser {
			return m.Content
		}
	}
	return ""
}

func systemOf(call ports.LLMCall) string {
	for _, m := range call.Messages {
		if m.Role == types.RoleSystem {
			return m.Content
		}
	}
	return ""
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceRE.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
