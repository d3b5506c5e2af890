package llm

import (
	"fmt"
	"strings"

	"github.com/forPelevin/vidsum/internal/domain/subtitles"
	"github.com/forPelevin/vidsum/internal/types"
)

const systemSummarizer = "You are an expert at analyzing and summarizing video transcripts."

const systemClipper = "You are an expert video editor who finds the most engaging, self-contained moments in a video."

func summaryMessages(tr types.Transcript, outputLang string) []types.ChatMessage {
	var b strings.Builder
	b.WriteString("Summarize the following video transcript.\n\n")
	b.WriteString(languageInstruction(outputLang))
	b.WriteString("\n\nReturn strictly valid JSON (no markdown, no code fences) in exactly this format:\n")
	b.WriteString(`{"summary": "a concise paragraph covering the main content", "key_points": ["point 1", "point 2"]}`)
	b.WriteString("\n\nTranscript:\n")
	b.WriteString(tr.PlainText())
	return []types.ChatMessage{
		{Role: types.RoleSystem, Content: systemSummarizer},
		{Role: types.RoleUser, Content: b.String()},
	}
}

func clipMessages(tr types.Transcript, opts ClipOptions) []types.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Identify up to %d highlight clips in the video transcript below (SRT format).\n", opts.Count)
	b.WriteString("Clips must be distinct moments with no overlaps, start cleanly and end on a complete thought.\n")
	if opts.MinDuration > 0 && opts.MaxDuration > 0 {
		fmt.Fprintf(&b, "Each clip should last between %.0f and %.0f seconds.\n", opts.MinDuration.Seconds(), opts.MaxDuration.Seconds())
	}
	fmt.Fprintf(&b, "The video is %.1f seconds long. start and end are seconds from the beginning of the video.\n", tr.Duration().Seconds())
	b.WriteString("importance is an integer from 1 (minor) to 10 (essential).\n")
	b.WriteString("\nReturn strictly valid JSON (no markdown, no code fences) in exactly this format:\n")
	b.WriteString(`{"clips": [{"title": "short title", "description": "why this moment matters", "start": 12.5, "end": 48.0, "importance": 8}]}`)
	b.WriteString("\n\nTranscript:\n")
	b.WriteString(subtitles.FormatSRT(tr))
	return []types.ChatMessage{
		{Role: types.RoleSystem, Content: systemClipper},
		{Role: types.RoleUser, Content: b.String()},
	}
}

// ChatSystemPrompt frames a conversation about one transcript.
func ChatSystemPrompt(tr types.Transcript) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant answering questions about a video. ")
	b.WriteString("Use only the transcript below as your source. ")
	b.WriteString("If the answer is not in the transcript, say so plainly. ")
	b.WriteString("Reply in the same language the user writes in. ")
	b.WriteString("When you refer to a specific moment, mention its timestamp.\n\n")
	b.WriteString("Transcript (SRT):\n")
	b.WriteString(subtitles.FormatSRT(tr))
	return b.String()
}

func stricter(msgs []types.ChatMessage, raw, problem string) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(msgs)+2)
	out = append(out, msgs...)
	if strings.TrimSpace(raw) != "" {
		out = append(out, types.ChatMessage{Role: types.RoleAssistant, Content: truncate(raw, 4000)})
	}
	out = append(out, types.ChatMessage{
		Role: types.RoleUser,
		Content: "Your previous reply was rejected: " + problem + ". " +
			"Reply again with ONLY one JSON object that matches the requested format exactly. " +
			"Include every required field. Do not use markdown, code fences or commentary.",
	})
	return out
}

func languageInstruction(outputLang string) string {
	if isOriginal(outputLang) {
		return "Write the summary in the same language as the transcript."
	}
	return fmt.Sprintf("Write the summary in %s, translating if necessary.", outputLang)
}

func outputLanguage(requested, transcriptLang string) string {
	if isOriginal(requested) {
		return transcriptLang
	}
	return strings.ToLower(strings.TrimSpace(requested))
}

func isOriginal(lang string) bool {
	lang = strings.ToLower(strings.TrimSpace(lang))
	return lang == "" || lang == "original"
}
