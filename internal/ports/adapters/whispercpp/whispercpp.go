package whispercpp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forPelevin/vidsum/internal/ports"
	"github.com/forPelevin/vidsum/internal/types"
)

// maxEngineOutput bounds how much of whisper.cpp's output is kept in errors.
const maxEngineOutput = 2000

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

type Adapter struct {
	bin          string
	modelDir     string
	defaultModel string
	run          runFunc
}

// New builds an adapter for the whisper.cpp CLI. Model sizes such as
// "base" resolve to <modelDir>/ggml-base.bin.
func New(binPath, modelDir, defaultModel string) *Adapter {
	if defaultModel == "" {
		defaultModel = "base"
	}
	return &Adapter{bin: binPath, modelDir: modelDir, defaultModel: defaultModel, run: execRun}
}

func (a *Adapter) Transcribe(ctx context.Context, wavPath, workDir string, opts types.TranscribeOptions) (types.Transcript, error) {
	outPrefix := filepath.Join(workDir, "whisper")
	args := a.args(wavPath, outPrefix, opts)

	b, err := a.run(ctx, a.bin, args...)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper.cpp failed: %w\n%s", err, tail(b))
	}

	jb, err := os.ReadFile(outPrefix + ".json")
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(strings.TrimSpace(string(jb))) == 0) {
		return types.Transcript{}, ports.ErrNoTranscript
	}
	if err != nil {
		return types.Transcript{}, err
	}
	defer os.Remove(outPrefix + ".json")

	tr, err := decode(jb)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("decode whisper output: %w", err)
	}
	if tr.Language == "" && opts.Language != "auto" {
		tr.Language = opts.Language
	}
	return tr, nil
}

func (a *Adapter) args(wavPath, outPrefix string, opts types.TranscribeOptions) []string {
	args := []string{
		"-m", a.modelPath(opts.ModelSize),
		"-f", wavPath,
		"-oj",
		"-of", outPrefix,
	}
	if lang := strings.TrimSpace(opts.Language); lang != "" {
		args = append(args, "-l", lang)
	}
	return args
}

func (a *Adapter) modelPath(size string) string {
	size = strings.TrimSpace(size)
	if size == "" {
		size = a.defaultModel
		// The configured default may name a model file directly.
		if strings.HasSuffix(size, ".bin") || strings.ContainsRune(size, filepath.Separator) {
			return size
		}
	}
	return filepath.Join(a.modelDir, "ggml-"+filepath.Base(size)+".bin")
}

func tail(b []byte) string {
	if len(b) <= maxEngineOutput {
		return string(b)
	}
	return "..." + string(b[len(b)-maxEngineOutput:])
}

// whisperJSON covers the whisper.cpp -oj layout; Segments also accepts a
// pre-normalized transcript.
type whisperJSON struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
	Segments []types.Segment `json:"segments"`
}

func decode(b []byte) (types.Transcript, error) {
	var raw whisperJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return types.Transcript{}, err
	}
	tr := types.Transcript{Language: raw.Result.Language, Segments: make([]types.Segment, 0, len(raw.Transcription)+len(raw.Segments))}
	for _, t := range raw.Transcription {
		tr.Segments = append(tr.Segments, types.Segment{
			Start: float64(t.Offsets.From) / 1000,
			End:   float64(t.Offsets.To) / 1000,
			Text:  t.Text,
		})
	}
	tr.Segments = append(tr.Segments, raw.Segments...)

	out := tr.Segments[:0]
	for _, s := range tr.Segments {
		if s.End < s.Start {
			continue
		}
		s.Text = strings.TrimSpace(s.Text)
		for j := range s.Words {
			s.Words[j].Word = strings.TrimSpace(s.Words[j].Word)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	tr.Segments = out
	return tr, nil
}

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
