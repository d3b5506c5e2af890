package usecase

import (
	"context"
	"os"
	"path/filepath"

	"github.com/forPelevin/vidsum/internal/domain/highlights"
	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/library"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/media"
	"github.com/forPelevin/vidsum/internal/types"
)

type ClipsInput struct {
	TranscriptRef
	// VideoRef is a video previously stored under the work dir's media
	// directory. When empty the video stored with the fingerprint is used.
	VideoRef string `json:"video_ref,omitempty"`
	Count    int    `json:"count"`
	Merge    bool   `json:"merge,omitempty"`
	Reencode bool   `json:"reencode,omitempty"`
	llm.Selection
}

type ClipsOutput struct {
	Fingerprint string `json:"fingerprint"`
	OutDir      string `json:"out_dir"`
	types.ClipResult
}

type clipsHandler struct{ u *Usecase }

type clipsPlan struct {
	in         ClipsInput
	transcript types.Transcript
	video      string
	source     string
	key        string
}

func (h clipsHandler) Prepare(ctx context.Context, input any) (jobs.Plan, error) {
	const op = "extract clips"
	in, ok := input.(ClipsInput)
	if !ok {
		return jobs.Plan{}, faults.Newf(faults.InvalidInput, op, "unexpected input %T", input)
	}
	if in.Count <= 0 {
		return jobs.Plan{}, faults.Newf(faults.InvalidInput, op, "count must be > 0, got %d", in.Count)
	}
	sel, err := h.u.d.LLM.Resolve(in.Selection)
	if err != nil {
		return jobs.Plan{}, err
	}
	in.Selection = sel
	r, err := h.u.resolve(ctx, in.TranscriptRef)
	if err != nil {
		return jobs.Plan{}, err
	}

	var video string
	switch {
	case in.VideoRef != "":
		if video, err = h.u.d.Acquirer.Local(in.VideoRef); err != nil {
			return jobs.Plan{}, err
		}
	case r.record.VideoPath != "":
		video = r.record.VideoPath
		if _, err := os.Stat(video); err != nil {
			return jobs.Plan{}, faults.Newf(faults.InvalidInput, op, "stored video for %s is gone, transcribe it again", r.fingerprint)
		}
		if abs, err := filepath.Abs(video); err == nil {
			video = abs
		}
	default:
		return jobs.Plan{}, faults.Newf(faults.InvalidInput, op, "no video known for %s, pass video_ref", r.fingerprint)
	}

	// A different video for the same transcript is different work.
	ckey := library.ClipsKey(in.Count, in.Merge, in.Reencode, sel.Provider, sel.Model) + "|video=" + hash(video)
	key := "clips|" + r.fingerprint + "|" + ckey
	source := r.record.Source
	if source == "" {
		source = video
	}
	plan := jobs.Plan{
		Key:         key,
		Fingerprint: r.fingerprint,
		Data:        clipsPlan{in: in, transcript: r.transcript, video: video, source: source, key: ckey},
	}
	if res, hit := r.record.Clips[ckey]; r.stored && hit {
		plan.Cached = ClipsOutput{Fingerprint: r.fingerprint, OutDir: outDirOf(res), ClipResult: res}
	}
	return plan, nil
}

func (h clipsHandler) Run(ctx context.Context, plan jobs.Plan, p jobs.Progress) (any, error) {
	d := plan.Data.(clipsPlan)
	ctx = media.WithWaitHook(ctx, p.Queued)
	log := h.u.d.Log.With("fingerprint", plan.Fingerprint)

	p.Stage("identify_clips")
	raw, err := h.u.d.LLM.IdentifyClips(ctx, d.transcript, llm.ClipOptions{
		Count:       d.in.Count,
		MinDuration: h.u.d.Clip.Min,
		MaxDuration: h.u.d.Clip.Max,
		Selection:   d.in.Selection,
	})
	if err != nil {
		return nil, err
	}
	bounds := h.u.d.Clip
	bounds.Total = d.transcript.Duration()
	switch total, err := h.u.d.Cutter.Duration(ctx, d.video); {
	case faults.Is(err, faults.Cancelled):
		return nil, err
	case err != nil:
		log.Warn("read video duration, using transcript length", "err", err)
	case total > 0:
		bounds.Total = total
	}
	clips := highlights.Normalize(d.transcript, raw, d.in.Count, bounds)
	log.Info("clips identified", "proposed", len(raw), "kept", len(clips))

	p.Stage("cut_clips")
	outDir := h.u.outputDir(d.source, plan.Key)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, faults.Wrap(faults.Internal, "extract clips", err)
	}
	cut, err := h.u.d.Cutter.Cut(ctx, media.CutRequest{
		Video:      d.video,
		Clips:      clips,
		OutDir:     outDir,
		Reencode:   d.in.Reencode,
		Transcript: &d.transcript,
	})
	if err != nil {
		return nil, err
	}
	res := types.ClipResult{Clips: cut.Clips, Files: cut.Files, PartialFailure: cut.Failures}

	if d.in.Merge && len(cut.Files) > 0 {
		p.Stage("merge")
		merged, err := h.u.d.Cutter.Merge(ctx, cut.Files, filepath.Join(outDir, "merged"+filepath.Ext(cut.Files[0])))
		switch {
		case faults.Is(err, faults.Cancelled):
			return nil, err
		case err != nil:
			log.Warn("merge failed, keeping individual clips", "err", err)
			res.PartialFailure = append(res.PartialFailure, types.Failure{Kind: string(faults.KindOf(err)), Message: err.Error()})
		default:
			res.MergedFile = merged
		}
	}

	if _, err := media.WriteMetadata(outDir, res); err != nil {
		log.Warn("write clip metadata", "err", err)
	}
	h.u.save(ctx, "clips", func(ctx context.Context) error {
		return h.u.d.Library.SaveClips(ctx, plan.Fingerprint, d.key, res)
	})
	return ClipsOutput{Fingerprint: plan.Fingerprint, OutDir: outDir, ClipResult: res}, nil
}

func outDirOf(res types.ClipResult) string {
	if len(res.Files) > 0 {
		return filepath.Dir(res.Files[0])
	}
	return ""
}
