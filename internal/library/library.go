// Package library keeps finished results per content fingerprint so repeated
// requests for the same video are served without redoing work.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/types"
)

type TranscriptEntry struct {
	Options    types.TranscribeOptions `json:"options"`
	Transcript types.Transcript        `json:"transcript"`
	CreatedAt  time.Time               `json:"created_at"`
}

// Record is everything known about one fingerprint.
type Record struct {
	Fingerprint string                      `json:"fingerprint"`
	Source      string                      `json:"source,omitempty"`
	VideoPath   string                      `json:"video_path,omitempty"`
	Transcripts map[string]TranscriptEntry  `json:"transcripts"`
	Summaries   map[string]types.Summary    `json:"summaries"`
	Clips       map[string]types.ClipResult `json:"clips"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

type Library interface {
	// Load returns the record for fingerprint; ok is false when none exists.
	Load(ctx context.Context, fingerprint string) (rec Record, ok bool, err error)
	SaveTranscript(ctx context.Context, fingerprint string, src Source, key string, e TranscriptEntry) error
	SaveSummary(ctx context.Context, fingerprint, key string, s types.Summary) error
	SaveClips(ctx context.Context, fingerprint, key string, r types.ClipResult) error
}

// Source describes where a fingerprint's media came from. Empty fields leave
// the stored values untouched.
type Source struct {
	Name      string
	VideoPath string
}

func TranscriptKey(o types.TranscribeOptions) string {
	return fmt.Sprintf("lang=%s|model=%s", orDefault(o.Language, "auto"), orDefault(o.ModelSize, "default"))
}

func SummaryKey(outputLang, provider, model string) string {
	return fmt.Sprintf("lang=%s|provider=%s|model=%s", orDefault(outputLang, "original"), orDefault(provider, "default"), orDefault(model, "default"))
}

func ClipsKey(count int, merge, reencode bool, provider, model string) string {
	return fmt.Sprintf("count=%d|merge=%t|reencode=%t|provider=%s|model=%s", count, merge, reencode, orDefault(provider, "default"), orDefault(model, "default"))
}

func orDefault(s, def string) string {
	if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
		return s
	}
	return def
}

// LatestTranscript returns the most recently stored transcript of any
// parameters.
func (r Record) LatestTranscript() (TranscriptEntry, bool) {
	keys := make([]string, 0, len(r.Transcripts))
	for k := range r.Transcripts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var (
		best TranscriptEntry
		ok   bool
	)
	for _, k := range keys {
		e := r.Transcripts[k]
		if !ok || e.CreatedAt.After(best.CreatedAt) {
			best, ok = e, true
		}
	}
	return best, ok
}

func newRecord(fingerprint string) Record {
	r := Record{Fingerprint: fingerprint}
	r.init()
	return r
}

func (r *Record) init() {
	if r.Transcripts == nil {
		r.Transcripts = map[string]TranscriptEntry{}
	}
	if r.Summaries == nil {
		r.Summaries = map[string]types.Summary{}
	}
	if r.Clips == nil {
		r.Clips = map[string]types.ClipResult{}
	}
}

func (r *Record) applySource(src Source) {
	if src.Name != "" {
		r.Source = src.Name
	}
	if src.VideoPath != "" {
		r.VideoPath = src.VideoPath
	}
}

// clone returns a copy that shares no memory with r.
func (r Record) clone() (Record, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(b)
}

func decodeRecord(b []byte) (Record, error) {
	var out Record
	if err := json.Unmarshal(b, &out); err != nil {
		return Record{}, fmt.Errorf("decode library record: %w", err)
	}
	out.init()
	return out, nil
}
