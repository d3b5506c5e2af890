package usecase

import (
	"context"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/library"
	"github.com/forPelevin/vidsum/internal/media"
	"github.com/forPelevin/vidsum/internal/types"
)

// modelName matches whisper model sizes such as "base" or "large-v3".
var modelName = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*$`)

type TranscribeInput struct {
	Source  types.Source            `json:"source"`
	Options types.TranscribeOptions `json:"options"`
}

type TranscribeOutput struct {
	Fingerprint string           `json:"fingerprint"`
	Source      string           `json:"source,omitempty"`
	VideoPath   string           `json:"video_path,omitempty"`
	Transcript  types.Transcript `json:"transcript"`
}

type transcribeHandler struct{ u *Usecase }

type transcribePlan struct {
	media media.Media
	opts  types.TranscribeOptions
}

func (h transcribeHandler) Prepare(ctx context.Context, input any) (jobs.Plan, error) {
	in, ok := input.(TranscribeInput)
	if !ok {
		return jobs.Plan{}, faults.Newf(faults.InvalidInput, "transcribe", "unexpected input %T", input)
	}
	in.Options.ModelSize = strings.TrimSpace(in.Options.ModelSize)
	if m := in.Options.ModelSize; m != "" && (!modelName.MatchString(m) || strings.Contains(m, "..")) {
		return jobs.Plan{}, faults.Newf(faults.InvalidInput, "transcribe", "invalid model %q", m)
	}

	var (
		m   media.Media
		err error
	)
	switch {
	case in.Source.Upload != nil:
		m, err = h.u.d.Acquirer.StoreUpload(ctx, in.Source.FileName, in.Source.Upload)
	case in.Source.URL != "":
		m, err = h.u.d.Acquirer.Resolve(in.Source.URL)
	default:
		err = faults.New(faults.InvalidInput, "transcribe", "file or url is required")
	}
	if err != nil {
		return jobs.Plan{}, err
	}

	tkey := library.TranscriptKey(in.Options)
	plan := jobs.Plan{
		Key:         "transcribe|" + m.Fingerprint + "|" + tkey,
		Fingerprint: m.Fingerprint,
		Data:        transcribePlan{media: m, opts: in.Options},
	}
	rec, ok, err := h.u.d.Library.Load(ctx, m.Fingerprint)
	if err != nil {
		return jobs.Plan{}, faults.Wrap(faults.Internal, "transcribe", err)
	}
	if e, hit := rec.Transcripts[tkey]; ok && hit {
		plan.Cached = TranscribeOutput{
			Fingerprint: m.Fingerprint,
			Source:      rec.Source,
			VideoPath:   rec.VideoPath,
			Transcript:  e.Transcript,
		}
	}
	return plan, nil
}

func (h transcribeHandler) Run(ctx context.Context, plan jobs.Plan, p jobs.Progress) (any, error) {
	d := plan.Data.(transcribePlan)
	m, opts := d.media, d.opts
	ctx = media.WithWaitHook(ctx, p.Queued)
	log := h.u.d.Log.With("fingerprint", m.Fingerprint)

	p.Stage("acquire")
	video, err := h.u.d.Acquirer.Fetch(ctx, m)
	if err != nil {
		return nil, err
	}

	scratch, err := h.u.scratchDir("transcribe")
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "transcribe", err)
	}
	defer os.RemoveAll(scratch)

	p.Stage("extract_audio")
	wav, err := h.u.d.Extractor.Extract(ctx, video, scratch)
	if err != nil {
		return nil, err
	}

	p.Stage("transcribe")
	tr, err := h.u.d.Transcriber.Transcribe(ctx, wav, scratch, opts)
	if err != nil {
		return nil, err
	}
	log.Info("transcribed", "segments", len(tr.Segments), "language", tr.Language)

	out := TranscribeOutput{Fingerprint: m.Fingerprint, Source: m.Source, VideoPath: video, Transcript: tr}
	h.u.save(ctx, "transcript", func(ctx context.Context) error {
		return h.u.d.Library.SaveTranscript(ctx, m.Fingerprint,
			library.Source{Name: m.Source, VideoPath: video},
			library.TranscriptKey(opts),
			library.TranscriptEntry{Options: opts, Transcript: tr, CreatedAt: time.Now().UTC()})
	})
	return out, nil
}
