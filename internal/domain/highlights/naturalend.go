package highlights

import (
	"sort"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/types"
)

const (
	// tailSlack lets a clip run a little past the requested end to finish a
	// sentence, headroom permitting.
	tailSlack      = 2 * time.Second
	pauseLookback  = 8 * time.Second
	pauseThreshold = 350 * time.Millisecond
)

var (
	closureCues = []string{
		"that's it", "that is it", "that's why", "that's how", "there you go",
		"we're out", "we are out", "i'm out", "i am out", "goodbye",
		"finally", "done", "finished", "let's go", "lets go",
		"we won", "i won", "you won", "we did it",
	}
	danglingTails = wordSet("and but or so because if when then to of for with from into onto " +
		"the a an this that these those my your our their his her its")
	continuations = wordSet("and but or so because then if when while that")
)

func wordSet(s string) map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		m[w] = true
	}
	return m
}

type transcriptTiming struct {
	words   []timedWord
	segEnds []time.Duration
}

type timedWord struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// collectTranscriptTiming flattens tr into sorted word timings. Engines that
// only report segments get their words spread evenly over each segment.
func collectTranscriptTiming(tr types.Transcript) transcriptTiming {
	var t transcriptTiming
	for _, s := range tr.Segments {
		if e := dur(s.End); e > 0 {
			t.segEnds = append(t.segEnds, e)
		}
		for _, w := range s.Words {
			txt := strings.TrimSpace(w.Word)
			if ws, we := dur(w.Start), dur(w.End); we > ws && txt != "" {
				t.words = append(t.words, timedWord{Start: ws, End: we, Text: txt})
			}
		}
	}
	if len(t.words) == 0 {
		t.words = segmentWords(tr)
	}
	sort.Slice(t.words, func(i, j int) bool {
		a, b := t.words[i], t.words[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.End < b.End
	})
	sort.Slice(t.segEnds, func(i, j int) bool { return t.segEnds[i] < t.segEnds[j] })
	return t
}

// chooseNaturalEnd picks where a clip starting at start should stop. It
// tries, in order: the best sentence end, the longest pause, the latest
// segment end, the latest word end. requestedEnd is the fallback.
func chooseNaturalEnd(t transcriptTiming, start, requestedEnd, minEnd, maxEnd time.Duration) time.Duration {
	requestedEnd = min(max(requestedEnd, minEnd), maxEnd)
	searchEnd := min(requestedEnd+tailSlack, maxEnd)

	if end, ok := bestSentenceEnd(t.words, start, requestedEnd, minEnd, searchEnd); ok {
		return end
	}
	if end, ok := longestPause(t.words, max(searchEnd-pauseLookback, minEnd), searchEnd); ok && end >= minEnd {
		return end
	}
	if end, ok := latestIn(t.segEnds, minEnd, searchEnd); ok {
		return end
	}
	ends := make([]time.Duration, len(t.words))
	for i, w := range t.words {
		ends[i] = w.End
	}
	if end, ok := latestIn(ends, minEnd, searchEnd); ok {
		return end
	}
	return requestedEnd
}

func longestPause(words []timedWord, from, to time.Duration) (time.Duration, bool) {
	var best, at time.Duration
	for i := 0; i+1 < len(words); i++ {
		cur, next := words[i], words[i+1]
		if cur.End < from || cur.End > to {
			continue
		}
		if gap := next.Start - cur.End; gap >= pauseThreshold && gap > best {
			best, at = gap, cur.End
		}
	}
	return at, best > 0
}

func latestIn(ds []time.Duration, from, to time.Duration) (time.Duration, bool) {
	var latest time.Duration
	for _, d := range ds {
		if d >= from && d <= to && d > latest {
			latest = d
		}
	}
	return latest, latest >= from && latest > 0
}

// sentenceEnd describes a word with terminal punctuation that could close a
// clip.
type sentenceEnd struct {
	end      time.Duration
	words    int
	last     string
	sentence string
	next     string
	pause    time.Duration
}

func bestSentenceEnd(words []timedWord, clipStart, requestedEnd, minEnd, searchEnd time.Duration) (time.Duration, bool) {
	var (
		best      sentenceEnd
		bestScore float64
		found     bool
	)
	for i, w := range words {
		if w.End < minEnd || w.End > searchEnd || !hasTerminalPunctuation(w.Text) {
			continue
		}
		c, ok := sentenceEndAt(words, i, clipStart)
		if !ok {
			continue
		}
		score := c.score(requestedEnd)
		if !found || score > bestScore || (score == bestScore && c.end > best.end) {
			best, bestScore, found = c, score, true
		}
	}
	return best.end, found
}

// sentenceEndAt builds the candidate ending at words[i]. The sentence reaches
// back to the previous terminal word or the clip start.
func sentenceEndAt(words []timedWord, i int, clipStart time.Duration) (sentenceEnd, bool) {
	from := 0
	for j := i - 1; j >= 0; j-- {
		if words[j].End <= clipStart || hasTerminalPunctuation(words[j].Text) {
			from = j + 1
			break
		}
	}

	c := sentenceEnd{end: words[i].End}
	var parts []string
	for _, w := range words[from : i+1] {
		if w.End <= clipStart {
			continue
		}
		txt := strings.TrimSpace(w.Text)
		if txt == "" {
			continue
		}
		parts = append(parts, txt)
		if tok := normalizeToken(txt); tok != "" {
			c.words++
			c.last = tok
		}
	}
	if len(parts) == 0 {
		return sentenceEnd{}, false
	}
	c.sentence = strings.ToLower(strings.Join(parts, " "))
	if i+1 < len(words) {
		c.pause = max(words[i+1].Start-c.end, 0)
		c.next = normalizeToken(words[i+1].Text)
	}
	return c, true
}

// score favours long, complete sentences followed by a pause and close to
// the requested end.
func (c sentenceEnd) score(requestedEnd time.Duration) float64 {
	d := c.end - requestedEnd
	if d < 0 {
		d = -d
	}
	s := -0.30 * d.Seconds()
	closure := hasClosureCue(c.sentence)

	switch {
	case c.words >= 8:
		s += 1.1
	case c.words >= 5:
		s += 0.5
	case c.words < 4:
		s -= 0.8
	}
	switch {
	case c.pause >= 450*time.Millisecond:
		s += 1.0
	case c.pause >= 250*time.Millisecond:
		s += 0.4
	case c.pause < 120*time.Millisecond:
		s -= 0.35
	}

	if closure {
		s += 1.1
	}
	if c.last == "" || danglingTails[c.last] {
		s -= 2.0
	}
	if strings.HasSuffix(c.sentence, "?") && c.pause < 450*time.Millisecond {
		s -= 2.4
	}
	if continuations[c.next] && c.pause < 350*time.Millisecond {
		s -= 0.8
	}
	if c.pause < 120*time.Millisecond && c.next != "" {
		s -= 0.8
	}
	if c.words < 5 && !closure && c.pause < 200*time.Millisecond {
		s -= 0.9
	}
	return s
}

func hasClosureCue(s string) bool {
	for _, cue := range closureCues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}

func normalizeToken(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), "\"'`[](){}.,!?;:")
}

func hasTerminalPunctuation(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), "\"'`)]}")
	return s != "" && strings.ContainsRune(".!?", rune(s[len(s)-1]))
}

// segmentWords approximates word timing from segment boundaries for engines
// that only report segment timestamps.
func segmentWords(tr types.Transcript) []timedWord {
	var out []timedWord
	for _, s := range tr.Segments {
		ss, se := dur(s.Start), dur(s.End)
		fields := strings.Fields(s.Text)
		if se <= ss || len(fields) == 0 {
			continue
		}
		step := (se - ss) / time.Duration(len(fields))
		for i, f := range fields {
			ws := ss + time.Duration(i)*step
			we := ws + step
			if i == len(fields)-1 {
				we = se
			}
			out = append(out, timedWord{Start: ws, End: we, Text: f})
		}
	}
	return out
}
