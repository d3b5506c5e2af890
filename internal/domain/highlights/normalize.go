package highlights

import (
	"sort"
	"strings"
	"time"

	"github.com/forPelevin/vidsum/internal/types"
)

const (
	DefaultMinClip = 10 * time.Second
	DefaultMaxClip = 120 * time.Second

	minGap = 2 * time.Second
)

// Bounds limits clip durations. Total is the media length; zero means unknown.
type Bounds struct {
	Min   time.Duration
	Max   time.Duration
	Total time.Duration
}

func (b Bounds) withDefaults() Bounds {
	if b.Min <= 0 {
		b.Min = DefaultMinClip
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxClip
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	return b
}

// Normalize ranks clips by importance and returns at most count of them with
// durations forced into bounds, ends snapped to natural stops and no two
// clips overlapping.
func Normalize(tr types.Transcript, clips []types.ClipDescriptor, count int, b Bounds) []types.ClipDescriptor {
	if count <= 0 || len(clips) == 0 {
		return nil
	}
	b = b.withDefaults()
	timing := collectTranscriptTiming(tr)

	ranked := make([]types.ClipDescriptor, len(clips))
	copy(ranked, clips)
	hooks := make(map[int]float64, len(ranked))
	for i := range ranked {
		info, hook := Score(textIn(tr, ranked[i].Start(), ranked[i].End()))
		hooks[i] = info + hook
	}
	idx := make([]int, len(ranked))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, c := ranked[idx[i]], ranked[idx[j]]
		if a.Importance != c.Importance {
			return a.Importance > c.Importance
		}
		if hooks[idx[i]] != hooks[idx[j]] {
			return hooks[idx[i]] > hooks[idx[j]]
		}
		return a.StartSec < c.StartSec
	})

	out := make([]types.ClipDescriptor, 0, min(count, len(ranked)))
	for _, i := range idx {
		c := ranked[i]
		st, en, ok := normalizeClipDur(c.Start(), c.End(), b.Min, b.Max, b.Total, timing)
		if !ok {
			continue
		}
		if !isDistinct(out, st, en, minGap) {
			continue
		}
		c.Title = strings.TrimSpace(c.Title)
		if c.Title == "" {
			c.Title = "Highlight"
		}
		c.StartSec = st.Seconds()
		c.EndSec = en.Seconds()
		out = append(out, c)
		if len(out) >= count {
			break
		}
	}
	return out
}

// normalizeClipDur extends short ranges to minClip, truncates long ones to
// maxClip and then prefers a natural stop near the requested end.
func normalizeClipDur(
	st, en, minClip, maxClip, total time.Duration,
	timing transcriptTiming,
) (time.Duration, time.Duration, bool) {
	if st < 0 {
		st = 0
	}
	if en <= st {
		return 0, 0, false
	}
	if total > 0 {
		if st >= total {
			return 0, 0, false
		}
		if en > total {
			en = total
		}
	}
	if en-st < minClip {
		en = st + minClip
		if total > 0 && en > total {
			en = total
			st = max(0, total-minClip)
		}
	}
	maxEnd := st + maxClip
	if total > 0 && maxEnd > total {
		maxEnd = total
	}
	if en > maxEnd {
		en = maxEnd
	}
	minEnd := st + minClip
	if minEnd > maxEnd {
		minEnd = maxEnd
	}

	smoothEnd := chooseNaturalEnd(timing, st, en, minEnd, maxEnd)
	if smoothEnd < minEnd {
		smoothEnd = minEnd
	}
	if smoothEnd > maxEnd {
		smoothEnd = maxEnd
	}
	if smoothEnd <= st {
		return 0, 0, false
	}
	return st, smoothEnd, true
}

func textIn(tr types.Transcript, start, end time.Duration) string {
	var parts []string
	for _, s := range tr.Segments {
		if dur(s.End) <= start || dur(s.Start) >= end {
			continue
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func isDistinct(existing []types.ClipDescriptor, st, en, gap time.Duration) bool {
	for _, e := range existing {
		if st < e.End()+gap && en > e.Start()-gap {
			return false
		}
	}
	return true
}

func dur(sec float64) time.Duration { return time.Duration(sec * float64(time.Second)) }
