package usecase

import (
	"context"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/library"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/types"
)

type SummarizeInput struct {
	TranscriptRef
	// OutputLanguage is "original" or a language name.
	OutputLanguage string `json:"output_language,omitempty"`
	llm.Selection
}

type SummarizeOutput struct {
	Fingerprint string        `json:"fingerprint"`
	Summary     types.Summary `json:"summary"`
}

type summarizeHandler struct{ u *Usecase }

type summarizePlan struct {
	transcript types.Transcript
	opts       llm.SummaryOptions
	key        string
}

func (h summarizeHandler) Prepare(ctx context.Context, input any) (jobs.Plan, error) {
	in, ok := input.(SummarizeInput)
	if !ok {
		return jobs.Plan{}, faults.Newf(faults.InvalidInput, "summarize", "unexpected input %T", input)
	}
	sel, err := h.u.d.LLM.Resolve(in.Selection)
	if err != nil {
		return jobs.Plan{}, err
	}
	r, err := h.u.resolve(ctx, in.TranscriptRef)
	if err != nil {
		return jobs.Plan{}, err
	}

	skey := library.SummaryKey(in.OutputLanguage, sel.Provider, sel.Model)
	plan := jobs.Plan{
		Key:         "summarize|" + r.fingerprint + "|" + skey,
		Fingerprint: r.fingerprint,
		Data: summarizePlan{
			transcript: r.transcript,
			opts:       llm.SummaryOptions{OutputLanguage: in.OutputLanguage, Selection: sel},
			key:        skey,
		},
	}
	if s, hit := r.record.Summaries[skey]; r.stored && hit {
		plan.Cached = SummarizeOutput{Fingerprint: r.fingerprint, Summary: s}
	}
	return plan, nil
}

func (h summarizeHandler) Run(ctx context.Context, plan jobs.Plan, p jobs.Progress) (any, error) {
	d := plan.Data.(summarizePlan)

	p.Stage("summarize")
	s, err := h.u.d.LLM.Summarize(ctx, d.transcript, d.opts)
	if err != nil {
		return nil, err
	}

	h.u.save(ctx, "summary", func(ctx context.Context) error {
		return h.u.d.Library.SaveSummary(ctx, plan.Fingerprint, d.key, s)
	})
	return SummarizeOutput{Fingerprint: plan.Fingerprint, Summary: s}, nil
}
