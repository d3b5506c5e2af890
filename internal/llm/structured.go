package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/domain/subtitles"
	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/types"
)

// endSlack tolerates clip ends slightly past the last transcript segment.
const endSlack = 5 * time.Second

type SummaryOptions struct {
	// OutputLanguage is "original" (or empty) to keep the transcript's
	// language, or a language name such as "english".
	OutputLanguage string
	Selection
}

type ClipOptions struct {
	Count       int
	MinDuration time.Duration
	MaxDuration time.Duration
	Selection
}

func (g *Gateway) Summarize(ctx context.Context, tr types.Transcript, opts SummaryOptions) (types.Summary, error) {
	if tr.Blank() {
		return types.Summary{}, faults.New(faults.LLMResponseInvalid, "summarize", "transcript contains no speech")
	}
	p, sel, err := g.provider(opts.Selection)
	if err != nil {
		return types.Summary{}, err
	}
	s, err := structured(ctx, g, "summarize", p, sel.Model, summaryMessages(tr, opts.OutputLanguage), p.Summarize, parseSummary)
	if err != nil {
		return types.Summary{}, err
	}
	s.Language = outputLanguage(opts.OutputLanguage, tr.Language)
	return s, nil
}

func (g *Gateway) IdentifyClips(ctx context.Context, tr types.Transcript, opts ClipOptions) ([]types.ClipDescriptor, error) {
	if tr.Blank() {
		return nil, faults.New(faults.LLMResponseInvalid, "identify clips", "transcript contains no speech")
	}
	if opts.Count <= 0 {
		return nil, faults.Newf(faults.InvalidInput, "identify clips", "count must be > 0, got %d", opts.Count)
	}
	p, sel, err := g.provider(opts.Selection)
	if err != nil {
		return nil, err
	}
	total := tr.Duration()
	parse := func(raw string) ([]types.ClipDescriptor, error) { return parseClips(raw, total) }
	return structured(ctx, g, "identify clips", p, sel.Model, clipMessages(tr, opts), p.IdentifyClips, parse)
}

// structured sends msgs, parses the reply and, if the reply fails validation,
// asks once more with a stricter prompt naming the problem.
func structured[T any](
	ctx context.Context,
	g *Gateway,
	op string,
	p ports.LLMProvider,
	model string,
	msgs []types.ChatMessage,
	send func(context.Context, ports.LLMCall) (string, error),
	parse func(string) (T, error),
) (T, error) {
	var (
		zero    T
		problem string
	)
	for pass := 0; pass < 2; pass++ {
		call := g.call(model, msgs)
		raw, err := withRetry(ctx, g, op, p.Name(), func(ctx context.Context) (string, error) {
			return send(ctx, call)
		})
		if err != nil {
			if faults.KindOf(err) != faults.LLMResponseInvalid {
				return zero, err
			}
			problem = err.Error()
		} else {
			v, perr := parse(raw)
			if perr == nil {
				return v, nil
			}
			problem = perr.Error()
		}
		g.log.Warn("llm response rejected", "op", op, "provider", p.Name(), "pass", pass+1, "problem", problem)
		msgs = stricter(msgs, raw, problem)
	}
	return zero, faults.Newf(faults.LLMResponseInvalid, op, "response failed validation twice: %s", problem)
}

func parseSummary(raw string) (types.Summary, error) {
	clean, err := extractJSONObject(raw)
	if err != nil {
		return types.Summary{}, err
	}
	var out struct {
		Summary   *string  `json:"summary"`
		KeyPoints []string `json:"key_points"`
	}
	if err := json.Unmarshal([]byte(clean), &out); err != nil {
		return types.Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	if out.Summary == nil || strings.TrimSpace(*out.Summary) == "" {
		return types.Summary{}, errors.New(`missing required field "summary"`)
	}
	s := types.Summary{Text: strings.TrimSpace(*out.Summary), KeyPoints: make([]string, 0, len(out.KeyPoints))}
	for _, kp := range out.KeyPoints {
		if kp = strings.TrimSpace(kp); kp != "" {
			s.KeyPoints = append(s.KeyPoints, kp)
		}
	}
	return s, nil
}

func parseClips(raw string, total time.Duration) ([]types.ClipDescriptor, error) {
	clean, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	var out struct {
		Clips *[]struct {
			Title       string       `json:"title"`
			Description string       `json:"description"`
			Rationale   string       `json:"rationale"`
			Start       *flexSeconds `json:"start"`
			End         *flexSeconds `json:"end"`
			Importance  *float64     `json:"importance"`
		} `json:"clips"`
	}
	if err := json.Unmarshal([]byte(clean), &out); err != nil {
		return nil, fmt.Errorf("decode clips: %w", err)
	}
	if out.Clips == nil {
		return nil, errors.New(`missing required field "clips"`)
	}

	limit := total + endSlack
	res := make([]types.ClipDescriptor, 0, len(*out.Clips))
	for i, c := range *out.Clips {
		switch {
		case strings.TrimSpace(c.Title) == "":
			return nil, fmt.Errorf("clip %d: missing title", i)
		case c.Start == nil || c.End == nil:
			return nil, fmt.Errorf("clip %d: missing start or end", i)
		case c.Importance == nil:
			return nil, fmt.Errorf("clip %d: missing importance", i)
		case *c.Start < 0 || *c.End <= *c.Start:
			return nil, fmt.Errorf("clip %d: invalid range %.2f-%.2f", i, float64(*c.Start), float64(*c.End))
		case total > 0 && types.Seconds(float64(*c.End)) > limit:
			return nil, fmt.Errorf("clip %d: end %.2f is past the end of the video (%.2f)", i, float64(*c.End), total.Seconds())
		case *c.Importance < 1 || *c.Importance > 10:
			return nil, fmt.Errorf("clip %d: importance %.1f outside 1-10", i, *c.Importance)
		}
		rationale := strings.TrimSpace(c.Description)
		if rationale == "" {
			rationale = strings.TrimSpace(c.Rationale)
		}
		res = append(res, types.ClipDescriptor{
			Title:      strings.TrimSpace(c.Title),
			Rationale:  rationale,
			StartSec:   float64(*c.Start),
			EndSec:     float64(*c.End),
			Importance: *c.Importance,
		})
	}
	return res, nil
}

// flexSeconds accepts seconds as a number, a numeric string or an SRT-style
// timestamp.
type flexSeconds float64

func (f *flexSeconds) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexSeconds(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("time must be a number or timestamp, got %s", string(b))
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		*f = flexSeconds(n)
		return nil
	}
	d, err := subtitles.ParseTimestamp(s)
	if err != nil {
		return err
	}
	*f = flexSeconds(d.Seconds())
	return nil
}

func extractJSONObject(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", errors.New("empty content")
	}

	// Strip markdown code fences.
	if strings.HasPrefix(t, "```") {
		if i := strings.Index(t, "\n"); i >= 0 {
			t = t[i+1:]
		}
		if j := strings.LastIndex(t, "```"); j >= 0 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}

	start := strings.Index(t, "{")
	end := strings.LastIndex(t, "}")
	if start >= 0 && end > start {
		return t[start : end+1], nil
	}
	return "", fmt.Errorf("could not locate JSON object in: %q", truncate(t, 200))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
