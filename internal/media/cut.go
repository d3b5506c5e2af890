package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/forPelevin/vidsum/internal/domain/subtitles"
	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/types"
)

type CutRequest struct {
	Video    string
	Clips    []types.ClipDescriptor
	OutDir   string
	Reencode bool
	// Transcript, when set, gets a clip-local .srt written next to each clip.
	Transcript *types.Transcript
}

// CutResult holds the clips that were cut successfully, in request order,
// and a failure entry for every clip that was not.
type CutResult struct {
	Clips    []types.ClipDescriptor
	Files    []string
	Failures []types.Failure
}

type Cutter struct {
	video   ports.VideoTool
	lim     *Limiter
	timeout time.Duration
	log     *slog.Logger
}

func NewCutter(video ports.VideoTool, lim *Limiter, timeout time.Duration, log *slog.Logger) *Cutter {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cutter{video: video, lim: lim, timeout: timeout, log: log}
}

// Cut extracts every clip in parallel. Individual failures are collected;
// only a cancelled context or every clip failing is an error.
func (c *Cutter) Cut(ctx context.Context, req CutRequest) (CutResult, error) {
	const op = "cut clips"
	if len(req.Clips) == 0 {
		return CutResult{Clips: []types.ClipDescriptor{}, Files: []string{}}, nil
	}
	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return CutResult{}, faults.Wrap(faults.Internal, op, err)
	}

	ext := strings.ToLower(filepath.Ext(req.Video))
	if ext == "" || !supportedExt[ext] {
		ext = ".mp4"
	}

	files := make([]string, len(req.Clips))
	errs := make([]error, len(req.Clips))
	var g errgroup.Group
	for i, clip := range req.Clips {
		out := filepath.Join(req.OutDir, ClipFileName(i+1, clip.Title, ext))
		g.Go(func() error {
			if err := c.cutOne(ctx, req.Video, clip, out, req.Reencode); err != nil {
				errs[i] = err
				return nil
			}
			files[i] = out
			if req.Transcript != nil {
				srt := strings.TrimSuffix(out, ext) + ".srt"
				if err := os.WriteFile(srt, []byte(subtitles.ClipSRT(*req.Transcript, clip.Start(), clip.End())), 0o644); err != nil {
					c.log.Warn("write clip subtitles", "file", srt, "err", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return CutResult{}, faults.Wrap(faults.Cancelled, op, ctx.Err())
	}

	res := CutResult{Clips: []types.ClipDescriptor{}, Files: []string{}}
	for i, clip := range req.Clips {
		if errs[i] != nil {
			res.Failures = append(res.Failures, types.Failure{
				Kind:    string(faults.KindOf(errs[i])),
				Message: fmt.Sprintf("clip %d (%s): %v", i+1, clip.Title, errs[i]),
			})
			continue
		}
		res.Clips = append(res.Clips, clip)
		res.Files = append(res.Files, files[i])
	}
	if len(res.Files) == 0 {
		return CutResult{}, faults.Newf(faults.MediaToolFailed, op, "all %d cuts failed: %s", len(req.Clips), res.Failures[0].Message)
	}
	return res, nil
}

func (c *Cutter) cutOne(ctx context.Context, video string, clip types.ClipDescriptor, out string, reencode bool) error {
	const op = "cut clip"
	release, err := c.lim.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.video.CutClip(rctx, video, clip.Start(), clip.End(), out, reencode); err != nil {
		os.Remove(out)
		return toolError(ctx, rctx, op, c.timeout, err)
	}
	return nil
}

// Duration reports the length of video. It shares the limiter with cuts.
func (c *Cutter) Duration(ctx context.Context, video string) (time.Duration, error) {
	const op = "read duration"
	release, err := c.lim.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	d, err := c.video.ProbeDuration(rctx, video)
	if err != nil {
		return 0, toolError(ctx, rctx, op, c.timeout, err)
	}
	return d, nil
}

// Merge concatenates paths into outPath without re-encoding.
func (c *Cutter) Merge(ctx context.Context, paths []string, outPath string) (string, error) {
	const op = "merge clips"
	if len(paths) == 0 {
		return "", faults.New(faults.MediaToolFailed, op, "nothing to merge")
	}
	release, err := c.lim.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.video.Concat(rctx, paths, outPath); err != nil {
		os.Remove(outPath)
		return "", toolError(ctx, rctx, op, c.timeout, err)
	}
	return outPath, nil
}

// WriteMetadata stores res as clips.json in dir.
func WriteMetadata(dir string, res types.ClipResult) (string, error) {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal clip metadata: %w", err)
	}
	p := filepath.Join(dir, "clips.json")
	if err := os.WriteFile(p, b, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

func ClipFileName(n int, title, ext string) string {
	name := Slug(title)
	if name == "" {
		name = "clip"
	}
	return fmt.Sprintf("clip_%02d_%s%s", n, name, ext)
}

// Slug lowercases s and collapses everything that is not a letter or digit
// into single dashes. The result is at most 48 runes.
func Slug(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	out := []rune(strings.Trim(b.String(), "-"))
	if len(out) > 48 {
		out = out[:48]
	}
	return strings.TrimRight(string(out), "-")
}
