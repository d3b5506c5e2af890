package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/vidsum/internal/domain/subtitles"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/pipeline"
	"github.com/forPelevin/vidsum/internal/types"
	"github.com/forPelevin/vidsum/internal/usecase"
)

const pollEvery = 500 * time.Millisecond

type processOpts struct {
	summaryLang string
	noSummary   bool
	clips       int
	merge       bool
	reencode    bool
	language    string
	asrModel    string
	sel         llm.Selection
	timeout     time.Duration
}

func newProcessCmd() *cobra.Command {
	var o processOpts
	cmd := &cobra.Command{
		Use:   "process <file|url>",
		Short: "Transcribe a video, then summarize it and cut clips",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.clips < 0 {
				return fmt.Errorf("clips must be >= 0, got %d", o.clips)
			}
			return process(cmd, args[0], o)
		},
	}

	// Visible flags
	cmd.Flags().StringVar(&o.summaryLang, "summary-lang", "original", `Summary language ("original" keeps the spoken language)`)
	cmd.Flags().BoolVar(&o.noSummary, "no-summary", false, "Skip the summary")
	cmd.Flags().IntVar(&o.clips, "clips", 0, "Number of highlight clips to cut (0 disables)")
	cmd.Flags().BoolVar(&o.merge, "merge", false, "Merge the cut clips into one file")
	cmd.Flags().BoolVar(&o.reencode, "reencode", false, "Re-encode clips instead of stream copy")
	cmd.Flags().StringVar(&o.language, "language", "", "Spoken language hint for transcription")
	cmd.Flags().StringVar(&o.asrModel, "whisper-model", "", "Whisper model size")
	cmd.Flags().StringVar(&o.sel.Provider, "provider", "", "LLM provider")
	cmd.Flags().StringVar(&o.sel.Model, "model", "", "LLM model")

	// Hidden tuning flag (internal)
	cmd.Flags().DurationVar(&o.timeout, "timeout", 3*time.Hour, "Overall deadline")
	_ = cmd.Flags().MarkHidden("timeout")
	return cmd
}

func process(cmd *cobra.Command, input string, o processOpts) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	src, closeSrc, err := openSource(input)
	if err != nil {
		return err
	}
	defer closeSrc()

	inv, done, err := begin(cmd, cfg, o.timeout)
	if err != nil {
		return err
	}
	defer done()
	ctx, r, log, out := inv.ctx, inv.r, inv.log, inv.out

	tj, err := r.run(ctx, jobs.KindTranscribe, usecase.TranscribeInput{
		Source:  src,
		Options: types.TranscribeOptions{Language: o.language, ModelSize: o.asrModel},
	})
	if err != nil {
		return err
	}
	tr := tj.Output.(usecase.TranscribeOutput)
	log.Info("transcribed", "fingerprint", tr.Fingerprint, "segments", len(tr.Transcript.Segments), "cached", tj.Cached)
	fmt.Fprint(out, subtitles.FormatSRT(tr.Transcript))

	ref := usecase.TranscriptRef{Fingerprint: tr.Fingerprint}
	if !o.noSummary {
		sj, err := r.run(ctx, jobs.KindSummarize, usecase.SummarizeInput{
			TranscriptRef:  ref,
			OutputLanguage: o.summaryLang,
			Selection:      o.sel,
		})
		if err != nil {
			return err
		}
		printSummary(out, sj.Output.(usecase.SummarizeOutput).Summary)
	}

	if o.clips > 0 {
		cj, err := r.run(ctx, jobs.KindExtractClips, usecase.ClipsInput{
			TranscriptRef: ref,
			Count:         o.clips,
			Merge:         o.merge,
			Reencode:      o.reencode,
			Selection:     o.sel,
		})
		if err != nil {
			return err
		}
		printClips(out, cj.Output.(usecase.ClipsOutput))
	}
	return nil
}

// openSource treats http(s) arguments as URLs and anything else as a local
// file to upload.
func openSource(input string) (types.Source, func(), error) {
	if isURL(input) {
		return types.Source{URL: input}, func() {}, nil
	}
	abs, err := filepath.Abs(input)
	if err != nil {
		return types.Source{}, nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return types.Source{}, nil, fmt.Errorf("stat input: %w", err)
	}
	if st.IsDir() {
		return types.Source{}, nil, fmt.Errorf("input %s is a directory", abs)
	}
	f, err := os.Open(abs)
	if err != nil {
		return types.Source{}, nil, err
	}
	return types.Source{Upload: f, FileName: filepath.Base(abs)}, func() { _ = f.Close() }, nil
}

func isURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// invocation is what one CLI command needs from the pipeline.
type invocation struct {
	ctx context.Context
	svc *pipeline.Service
	r   runner
	log *slog.Logger
	out io.Writer
}

// begin builds the pipeline under a context that ends on SIGINT, SIGTERM or
// timeout. done shuts it down.
func begin(cmd *cobra.Command, cfg pipeline.Config, timeout time.Duration) (*invocation, func(), error) {
	log := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, false)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)

	svc, err := pipeline.New(ctx, cfg, log)
	if err != nil {
		cancel()
		stop()
		return nil, nil, err
	}
	done := func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		_ = svc.Close(sctx)
		cancel()
		stop()
	}
	return &invocation{
		ctx: ctx,
		svc: svc,
		r:   runner{jobs: svc.Jobs, log: log},
		log: log,
		out: cmd.OutOrStdout(),
	}, done, nil
}

type runner struct {
	jobs *jobs.Orchestrator
	log  *slog.Logger
}

// run submits one job and polls it to a terminal state, logging stage
// changes. Interrupting cancels the job.
func (r runner) run(ctx context.Context, kind jobs.Kind, input any) (jobs.Job, error) {
	h, err := r.jobs.Submit(ctx, kind, input)
	if err != nil {
		return jobs.Job{}, err
	}
	log := r.log.With("job_id", h.ID, "kind", kind)

	t := time.NewTicker(pollEvery)
	defer t.Stop()
	var stage string
	var queued bool
	for {
		j, err := r.jobs.Poll(h.ID)
		if err != nil {
			return jobs.Job{}, err
		}
		if j.Stage != stage || j.Queued != queued {
			stage, queued = j.Stage, j.Queued
			log.Info("job progress", "stage", stage, "queued", queued)
		}
		switch j.State {
		case jobs.StateCompleted:
			return j, nil
		case jobs.StateFailed:
			return j, fmt.Errorf("%s failed (%s): %s", kind, j.Error.Kind, j.Error.Message)
		}

		select {
		case <-ctx.Done():
			if cerr := r.jobs.Cancel(h.ID); cerr != nil && !errors.Is(cerr, jobs.ErrNotCancellable) {
				log.Warn("cancel job", "error", cerr)
			}
			return j, ctx.Err()
		case <-t.C:
		}
	}
}

func printSummary(w io.Writer, s types.Summary) {
	fmt.Fprintf(w, "\nSummary (%s):\n%s\n", s.Language, s.Text)
	for _, kp := range s.KeyPoints {
		fmt.Fprintf(w, "  - %s\n", kp)
	}
}

func printClips(w io.Writer, c usecase.ClipsOutput) {
	fmt.Fprintf(w, "\nClips in %s:\n", c.OutDir)
	for i, clip := range c.Clips {
		file := ""
		if i < len(c.Files) {
			file = filepath.Base(c.Files[i])
		}
		fmt.Fprintf(w, "  %s  %s-%s  %s\n", file, subtitles.FormatTime(clip.Start()), subtitles.FormatTime(clip.End()), clip.Title)
	}
	if c.MergedFile != "" {
		fmt.Fprintf(w, "  merged: %s\n", filepath.Base(c.MergedFile))
	}
	for _, f := range c.PartialFailure {
		fmt.Fprintf(w, "  warning (%s): %s\n", f.Kind, f.Message)
	}
}
