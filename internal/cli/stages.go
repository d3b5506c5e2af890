package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/vidsum/internal/domain/subtitles"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/types"
	"github.com/forPelevin/vidsum/internal/usecase"
)

const stageTimeout = 3 * time.Hour

func newTranscribeCmd() *cobra.Command {
	var (
		output string
		opts   types.TranscribeOptions
	)
	cmd := &cobra.Command{
		Use:   "transcribe <file|url>",
		Short: "Transcribe a video to SRT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			src, closeSrc, err := openSource(args[0])
			if err != nil {
				return err
			}
			defer closeSrc()

			inv, done, err := begin(cmd, cfg, stageTimeout)
			if err != nil {
				return err
			}
			defer done()

			j, err := inv.r.run(inv.ctx, jobs.KindTranscribe, usecase.TranscribeInput{Source: src, Options: opts})
			if err != nil {
				return err
			}
			out := j.Output.(usecase.TranscribeOutput)
			inv.log.Info("transcribed", "fingerprint", out.Fingerprint, "segments", len(out.Transcript.Segments), "cached", j.Cached)
			return emit(inv.out, output, subtitles.FormatSRT(out.Transcript))
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the SRT here instead of stdout")
	cmd.Flags().StringVarP(&opts.Language, "language", "l", "", "Spoken language hint")
	cmd.Flags().StringVarP(&opts.ModelSize, "model", "m", "", "Whisper model size")
	return cmd
}

func newSummarizeCmd() *cobra.Command {
	var (
		output string
		in     usecase.SummarizeInput
	)
	cmd := &cobra.Command{
		Use:   "summarize <transcript.srt>",
		Short: "Summarize a transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			srt, err := readTranscript(args[0])
			if err != nil {
				return err
			}
			inv, done, err := begin(cmd, cfg, stageTimeout)
			if err != nil {
				return err
			}
			defer done()

			in.TranscriptRef = usecase.TranscriptRef{Transcript: srt}
			j, err := inv.r.run(inv.ctx, jobs.KindSummarize, in)
			if err != nil {
				return err
			}
			var b strings.Builder
			printSummary(&b, j.Output.(usecase.SummarizeOutput).Summary)
			return emit(inv.out, output, strings.TrimPrefix(b.String(), "\n"))
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the summary here instead of stdout")
	cmd.Flags().StringVar(&in.OutputLanguage, "summary-lang", "original", `Summary language ("original" keeps the spoken language)`)
	selectionFlags(cmd, &in.Selection)
	return cmd
}

func newExtractClipsCmd() *cobra.Command {
	var (
		video string
		in    usecase.ClipsInput
	)
	cmd := &cobra.Command{
		Use:   "extract-clips <transcript.srt>",
		Short: "Pick highlight clips from a transcript and cut them from the video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Count <= 0 {
				return fmt.Errorf("num-clips must be > 0, got %d", in.Count)
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			srt, err := readTranscript(args[0])
			if err != nil {
				return err
			}
			src, closeSrc, err := openSource(video)
			if err != nil {
				return err
			}
			defer closeSrc()
			if src.Upload == nil {
				return fmt.Errorf("--video must be a local file")
			}

			inv, done, err := begin(cmd, cfg, stageTimeout)
			if err != nil {
				return err
			}
			defer done()

			stored, err := inv.svc.Usecase.StoreVideo(inv.ctx, src.FileName, src.Upload)
			if err != nil {
				return err
			}
			in.TranscriptRef = usecase.TranscriptRef{Transcript: srt}
			in.VideoRef = stored
			j, err := inv.r.run(inv.ctx, jobs.KindExtractClips, in)
			if err != nil {
				return err
			}
			printClips(inv.out, j.Output.(usecase.ClipsOutput))
			return nil
		},
	}
	cmd.Flags().StringVarP(&video, "video", "v", "", "Video the transcript belongs to")
	_ = cmd.MarkFlagRequired("video")
	cmd.Flags().IntVarP(&in.Count, "num-clips", "n", 5, "Number of clips")
	cmd.Flags().BoolVar(&in.Merge, "merge", false, "Merge the cut clips into one file")
	cmd.Flags().BoolVar(&in.Reencode, "reencode", false, "Re-encode clips instead of stream copy")
	selectionFlags(cmd, &in.Selection)
	return cmd
}

func selectionFlags(cmd *cobra.Command, sel *llm.Selection) {
	cmd.Flags().StringVarP(&sel.Provider, "provider", "p", "", "LLM provider")
	cmd.Flags().StringVarP(&sel.Model, "model", "m", "", "LLM model")
}

func readTranscript(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", fmt.Errorf("transcript %s is empty", path)
	}
	return string(b), nil
}

// emit writes text to path, or to w when path is empty.
func emit(w io.Writer, path, text string) error {
	if path == "" {
		_, err := fmt.Fprint(w, text)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %s\n", path)
	return nil
}
