package subtitles

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/types"
)

// FormatSRT renders the whole transcript as SRT cues, one per segment.
func FormatSRT(tr types.Transcript) string {
	var b strings.Builder
	n := 0
	for _, s := range tr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		n++
		writeCue(&b, n, dur(s.Start), dur(s.End), text)
	}
	return b.String()
}

// ClipSRT renders the part of tr inside [start, end) with clip-local times.
// Word timestamps are packed into short lines when present, otherwise
// segments are clipped to the window.
func ClipSRT(tr types.Transcript, start, end time.Duration) string {
	var b strings.Builder
	words := collectWords(tr, start, end)
	if len(words) > 0 {
		for i, ln := range packWords(words) {
			parts := make([]string, 0, len(ln.Words))
			for _, w := range ln.Words {
				parts = append(parts, w.Text)
			}
			writeCue(&b, i+1, ln.Start, ln.End, strings.Join(parts, " "))
		}
		return b.String()
	}

	n := 0
	for _, s := range tr.Segments {
		ss, se := dur(s.Start), dur(s.End)
		text := strings.TrimSpace(s.Text)
		if se <= start || ss >= end || text == "" {
			continue
		}
		if ss < start {
			ss = start
		}
		if se > end {
			se = end
		}
		n++
		writeCue(&b, n, ss-start, se-start, text)
	}
	return b.String()
}

// ParseSRT reads SRT cues into transcript segments. Blocks without a valid
// timing line are skipped.
func ParseSRT(s string) (types.Transcript, error) {
	var tr types.Transcript
	sc := bufio.NewScanner(strings.NewReader(strings.ReplaceAll(s, "\r\n", "\n")))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		cur     *types.Segment
		textBuf []string
	)
	flush := func() {
		if cur != nil {
			cur.Text = strings.TrimSpace(strings.Join(textBuf, " "))
			if cur.Text != "" {
				tr.Segments = append(tr.Segments, *cur)
			}
		}
		cur, textBuf = nil, nil
	}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		if strings.Contains(line, "-->") {
			flush()
			st, en, err := parseTiming(line)
			if err != nil {
				continue
			}
			cur = &types.Segment{Start: st.Seconds(), End: en.Seconds()}
			continue
		}
		if cur == nil {
			// cue counters and stray text outside a cue
			continue
		}
		textBuf = append(textBuf, line)
	}
	flush()
	if err := sc.Err(); err != nil {
		return types.Transcript{}, err
	}
	return tr, nil
}

// FormatTime renders d as HH:MM:SS,mmm.
func FormatTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hs := int(d / time.Hour)
	d -= time.Duration(hs) * time.Hour
	ms := int(d / time.Minute)
	d -= time.Duration(ms) * time.Minute
	s := int(d / time.Second)
	d -= time.Duration(s) * time.Second
	milli := int(d / time.Millisecond)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hs, ms, s, milli)
}

func parseTiming(line string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(line, "-->", 2)
	st, err := ParseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	// Trailing cue settings ("align:start") follow the end time.
	fields := strings.Fields(parts[1])
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("srt: missing end time in %q", line)
	}
	en, err := ParseTimestamp(fields[0])
	if err != nil {
		return 0, 0, err
	}
	return st, en, nil
}

// ParseTimestamp reads HH:MM:SS,mmm (or HH:MM:SS.mmm, or MM:SS) into a
// duration.
func ParseTimestamp(s string) (time.Duration, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	hms := strings.Split(s, ":")
	if len(hms) == 2 {
		hms = append([]string{"0"}, hms...)
	}
	if len(hms) != 3 {
		return 0, fmt.Errorf("srt: bad timestamp %q", s)
	}
	h, err := strconv.Atoi(hms[0])
	if err != nil {
		return 0, fmt.Errorf("srt: bad hours in %q", s)
	}
	m, err := strconv.Atoi(hms[1])
	if err != nil {
		return 0, fmt.Errorf("srt: bad minutes in %q", s)
	}
	sec, err := strconv.ParseFloat(hms[2], 64)
	if err != nil {
		return 0, fmt.Errorf("srt: bad seconds in %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)), nil
}

func writeCue(b *strings.Builder, n int, start, end time.Duration, text string) {
	fmt.Fprintf(b, "%d\n%s --> %s\n%s\n\n", n, FormatTime(start), FormatTime(end), text)
}

type wword struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

type line struct {
	Start time.Duration
	End   time.Duration
	Words []wword
}

func collectWords(tr types.Transcript, start, end time.Duration) []wword {
	var out []wword
	for _, s := range tr.Segments {
		for _, w := range s.Words {
			ws := dur(w.Start)
			we := dur(w.End)
			if we <= start || ws >= end {
				continue
			}
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			if ws < start {
				ws = start
			}
			if we > end {
				we = end
			}
			out = append(out, wword{Start: ws - start, End: we - start, Text: text})
		}
	}
	return out
}

func packWords(words []wword) []line {
	var out []line
	cur := line{Start: words[0].Start}
	charBudget := 42
	wordBudget := 9
	curLen := 0
	for i, w := range words {
		wl := len([]rune(w.Text))
		nextLen := curLen
		if curLen > 0 {
			nextLen++
		}
		nextLen += wl
		if len(cur.Words) >= wordBudget || nextLen > charBudget {
			cur.End = cur.Words[len(cur.Words)-1].End
			out = append(out, cur)
			cur = line{Start: w.Start}
			curLen = 0
		}
		cur.Words = append(cur.Words, w)
		if curLen > 0 {
			curLen++
		}
		curLen += wl
		if i == len(words)-1 {
			cur.End = w.End
			out = append(out, cur)
		}
	}
	return out
}

func dur(sec float64) time.Duration { return time.Duration(sec * float64(time.Second)) }
