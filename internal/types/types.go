package types

import (
	"io"
	"strings"
	"time"
)

type Transcript struct {
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// Blank reports whether the transcript carries no spoken text at all.
func (t Transcript) Blank() bool {
	for _, s := range t.Segments {
		if strings.TrimSpace(s.Text) != "" {
			return false
		}
	}
	return true
}

// Duration is the end of the last segment.
func (t Transcript) Duration() time.Duration {
	var end float64
	for _, s := range t.Segments {
		if s.End > end {
			end = s.End
		}
	}
	return Seconds(end)
}

func (t Transcript) PlainText() string {
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}

type TranscribeOptions struct {
	Language  string `json:"language,omitempty"`
	ModelSize string `json:"model,omitempty"`
}

type Summary struct {
	Text      string   `json:"text"`
	KeyPoints []string `json:"key_points"`
	Language  string   `json:"language,omitempty"`
}

type ClipDescriptor struct {
	Title      string  `json:"title"`
	Rationale  string  `json:"rationale"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	Importance float64 `json:"importance"`
}

func (c ClipDescriptor) Start() time.Duration { return Seconds(c.StartSec) }
func (c ClipDescriptor) End() time.Duration   { return Seconds(c.EndSec) }

// Failure is a non-fatal problem recorded next to a completed result.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ClipResult struct {
	Clips          []ClipDescriptor `json:"clips"`
	Files          []string         `json:"files"`
	MergedFile     string           `json:"merged_file,omitempty"`
	PartialFailure []Failure        `json:"partial_failure,omitempty"`
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Source locates the media behind a transcription request. Exactly one of
// Upload or URL is set.
type Source struct {
	Upload   io.Reader `json:"-"`
	FileName string    `json:"file_name,omitempty"`
	URL      string    `json:"url,omitempty"`
}

func Seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
