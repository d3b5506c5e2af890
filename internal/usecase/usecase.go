// Package usecase holds the job handlers: transcribe, summarize and
// extract clips, each driving the media tools, the LLM gateway and the
// library in a fixed order of stages.
package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/domain/highlights"
	"github.com/forPelevin/vidsum/internal/domain/subtitles"
	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/library"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/media"
	"github.com/forPelevin/vidsum/internal/types"
)

// LLM is the part of the gateway the handlers use.
type LLM interface {
	Resolve(sel llm.Selection) (llm.Selection, error)
	Summarize(ctx context.Context, tr types.Transcript, opts llm.SummaryOptions) (types.Summary, error)
	IdentifyClips(ctx context.Context, tr types.Transcript, opts llm.ClipOptions) ([]types.ClipDescriptor, error)
}

type Deps struct {
	Acquirer    *media.Acquirer
	Extractor   *media.Extractor
	Transcriber *media.Transcriber
	Cutter      *media.Cutter
	LLM         LLM
	Library     library.Library
	Log         *slog.Logger

	// WorkDir holds scratch audio and per-request clip output.
	WorkDir string
	Clip    highlights.Bounds
}

type Usecase struct{ d Deps }

func New(d Deps) *Usecase {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Usecase{d: d}
}

// Handlers returns one job handler per kind.
func (u *Usecase) Handlers() map[jobs.Kind]jobs.Handler {
	return map[jobs.Kind]jobs.Handler{
		jobs.KindTranscribe:   transcribeHandler{u},
		jobs.KindSummarize:    summarizeHandler{u},
		jobs.KindExtractClips: clipsHandler{u},
	}
}

// StoreVideo copies a local video into the media directory so it can be
// passed as a clip job's video_ref.
func (u *Usecase) StoreVideo(ctx context.Context, name string, r io.Reader) (string, error) {
	m, err := u.d.Acquirer.StoreUpload(ctx, name, r)
	if err != nil {
		return "", err
	}
	return m.Path, nil
}

// TranscriptRef points at a transcript either through a library fingerprint
// or inline as SRT or plain text.
type TranscriptRef struct {
	Fingerprint string `json:"fingerprint,omitempty"`
	Transcript  string `json:"transcript,omitempty"`
}

type resolved struct {
	fingerprint string
	transcript  types.Transcript
	record      library.Record
	stored      bool
}

// Transcript looks up ref. Inline text is fingerprinted by its content.
func (u *Usecase) Transcript(ctx context.Context, ref TranscriptRef) (types.Transcript, string, error) {
	r, err := u.resolve(ctx, ref)
	return r.transcript, r.fingerprint, err
}

func (u *Usecase) resolve(ctx context.Context, ref TranscriptRef) (resolved, error) {
	const op = "resolve transcript"
	fp := strings.TrimSpace(ref.Fingerprint)
	if fp == "" && strings.TrimSpace(ref.Transcript) == "" {
		return resolved{}, faults.New(faults.InvalidInput, op, "fingerprint or transcript is required")
	}

	if fp == "" {
		tr := parseInline(ref.Transcript)
		fp = "text:" + sha256Hex(ref.Transcript)
		rec, ok, err := u.d.Library.Load(ctx, fp)
		if err != nil {
			return resolved{}, faults.Wrap(faults.Internal, op, err)
		}
		return resolved{fingerprint: fp, transcript: tr, record: rec, stored: ok}, nil
	}

	rec, ok, err := u.d.Library.Load(ctx, fp)
	if err != nil {
		return resolved{}, faults.Wrap(faults.Internal, op, err)
	}
	if !ok {
		return resolved{}, faults.Newf(faults.InvalidInput, op, "no transcript stored for %s, transcribe it first", fp)
	}
	e, ok := rec.LatestTranscript()
	if !ok {
		return resolved{}, faults.Newf(faults.InvalidInput, op, "no transcript stored for %s, transcribe it first", fp)
	}
	return resolved{fingerprint: fp, transcript: e.Transcript, record: rec, stored: true}, nil
}

// parseInline accepts SRT and falls back to treating the text as one
// untimed segment.
func parseInline(s string) types.Transcript {
	if tr, err := subtitles.ParseSRT(s); err == nil && len(tr.Segments) > 0 {
		return tr
	}
	text := strings.Join(strings.Fields(s), " ")
	if text == "" {
		return types.Transcript{Segments: []types.Segment{}}
	}
	return types.Transcript{Segments: []types.Segment{{Text: text}}}
}

// save persists a finished result. Cancelling the job must not lose it.
func (u *Usecase) save(ctx context.Context, what string, fn func(context.Context) error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := fn(sctx); err != nil {
		u.d.Log.Error("save result to library", "what", what, "err", err)
	}
}

// outputDir is where one request's files go, named after the source so a
// human browsing the work dir can tell runs apart.
func (u *Usecase) outputDir(source, key string) string {
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	name = media.Slug(name)
	if name == "" {
		name = "input"
	}
	return filepath.Join(u.d.WorkDir, "outputs", fmt.Sprintf("%s-%s", name, hash(key)))
}

func (u *Usecase) scratchDir(prefix string) (string, error) {
	root := filepath.Join(u.d.WorkDir, "tmp")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return os.MkdirTemp(root, prefix+"-*")
}

func hash(s string) string {
	return sha256Hex(s)[:12]
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
