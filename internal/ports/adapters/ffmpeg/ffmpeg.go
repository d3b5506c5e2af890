package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// maxToolOutput bounds how much of ffmpeg's stderr is kept in errors.
const maxToolOutput = 2000

type Adapter struct {
	ffmpeg  string
	ffprobe string
}

func New(ffmpegPath, ffprobePath string) *Adapter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

func (a *Adapter) ExtractAudio(ctx context.Context, inVideo, outWav string) error {
	b, err := exec.CommandContext(ctx, a.ffmpeg, extractAudioArgs(inVideo, outWav)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg extract audio: %w\n%s", err, tail(b))
	}
	return nil
}

func (a *Adapter) CutClip(ctx context.Context, inVideo string, start, end time.Duration, outPath string, reencode bool) error {
	if end <= start {
		return fmt.Errorf("ffmpeg cut clip: empty range %s..%s", start, end)
	}
	b, err := exec.CommandContext(ctx, a.ffmpeg, cutArgs(inVideo, start, end, outPath, reencode)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg cut clip: %w\n%s", err, tail(b))
	}
	return nil
}

// Concat joins clips with the concat demuxer. Inputs must share codec
// parameters since streams are copied.
func (a *Adapter) Concat(ctx context.Context, clips []string, outPath string) error {
	if len(clips) == 0 {
		return fmt.Errorf("ffmpeg concat: no inputs")
	}
	listPath := outPath + ".txt"
	if err := os.WriteFile(listPath, []byte(concatList(clips)), 0o644); err != nil {
		return fmt.Errorf("ffmpeg concat list: %w", err)
	}
	defer os.Remove(listPath)

	b, err := exec.CommandContext(ctx, a.ffmpeg,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg concat: %w\n%s", err, tail(b))
	}
	return nil
}

func (a *Adapter) ProbeDuration(ctx context.Context, inVideo string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, a.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inVideo,
	)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration: %w\n%s", err, tail(b))
	}
	s := strings.TrimSpace(string(b))
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func extractAudioArgs(inVideo, outWav string) []string {
	return []string{
		"-y",
		"-i", inVideo,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", "16000",
		"-f", "wav",
		outWav,
	}
}

func cutArgs(inVideo string, start, end time.Duration, outPath string, reencode bool) []string {
	args := []string{
		"-y",
		"-ss", fmtSeconds(start),
		"-i", inVideo,
		"-t", fmtSeconds(end - start),
	}
	if reencode {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "18",
			"-c:a", "aac",
			"-b:a", "192k",
		)
	} else {
		args = append(args, "-c", "copy", "-avoid_negative_ts", "make_zero")
	}
	return append(args, outPath)
}

func concatList(clips []string) string {
	var b strings.Builder
	for _, c := range clips {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(c, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func fmtSeconds(d time.Duration) string {
	sec := float64(d) / float64(time.Second)
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

func tail(b []byte) string {
	if len(b) <= maxToolOutput {
		return string(b)
	}
	return "..." + string(b[len(b)-maxToolOutput:])
}
