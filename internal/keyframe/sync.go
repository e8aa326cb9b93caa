package keyframe

import (
	"bufio"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ivlev/giffusion/internal/types"
)

var timedRe = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*:\s*(.*?)\s*$`)

// SyncToVideo anchors prompts to a source clip of frameCount frames.
//
// Keyed entries ("1.5: prompt") are read as seconds of video time and
// converted to round(sec*fps), clamped to the last frame; when several land
// on one frame the latest timestamp wins. A spec made only of
// bare prompt lines assigns the prompts in order to the scene boundaries,
// the first prompt always landing on frame 0. Either way a keyframe at
// frameCount-1 carrying the last prompt closes the schedule.
func SyncToVideo(spec string, frameCount int, fps float64, boundaries []int) ([]KeyFrame, error) {
	if frameCount <= 0 {
		return nil, types.NewError(types.ErrMalformedSchedule, "video has no frames")
	}

	lines, err := specLines(spec)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, types.NewError(types.ErrMalformedSchedule, "no prompts")
	}

	keyed := 0
	for _, l := range lines {
		if timedRe.MatchString(l) {
			keyed++
		}
	}

	var kfs []KeyFrame
	switch keyed {
	case len(lines):
		kfs, err = syncTimed(lines, frameCount, fps)
	case 0:
		kfs, err = syncScenes(lines, frameCount, boundaries)
	default:
		return nil, types.Errorf(types.ErrMalformedSchedule,
			"%d of %d prompt lines carry a timestamp; use timestamps on all lines or none", keyed, len(lines))
	}
	if err != nil {
		return nil, err
	}

	kfs, err = Normalize(kfs)
	if err != nil {
		return nil, err
	}
	last := kfs[len(kfs)-1]
	if last.Frame != frameCount-1 {
		kfs = append(kfs, KeyFrame{Frame: frameCount - 1, Prompt: last.Prompt})
	}
	return kfs, nil
}

// syncTimed converts timestamps to frames. Timestamps that land on the same
// frame after rounding or clamping collapse to the latest one; the same
// timestamp written twice is an error.
func syncTimed(lines []string, frameCount int, fps float64) ([]KeyFrame, error) {
	if fps <= 0 {
		return nil, types.Errorf(types.ErrMalformedSchedule, "timestamped prompts need a positive fps, got %v", fps)
	}

	type timed struct {
		sec    float64
		label  string
		prompt string
	}
	entries := make([]timed, 0, len(lines))
	for _, l := range lines {
		m := timedRe.FindStringSubmatch(l)
		sec, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, types.Errorf(types.ErrMalformedSchedule, "bad timestamp %q", m[1]).WithCause(err)
		}
		if m[2] == "" {
			return nil, types.Errorf(types.ErrMalformedSchedule, "empty prompt at %ss", m[1])
		}
		entries = append(entries, timed{sec: sec, label: m[1], prompt: m[2]})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].sec < entries[j].sec })

	kfs := make([]KeyFrame, 0, len(entries))
	for i, e := range entries {
		if i > 0 && entries[i-1].sec == e.sec {
			return nil, types.Errorf(types.ErrMalformedSchedule,
				"timestamps %ss and %ss are the same", entries[i-1].label, e.label)
		}
		frame := frameCount - 1
		if pos := math.Round(e.sec * fps); pos < float64(frame) {
			frame = int(pos)
		}
		if n := len(kfs); n > 0 && kfs[n-1].Frame == frame {
			kfs[n-1].Prompt = e.prompt
			continue
		}
		kfs = append(kfs, KeyFrame{Frame: frame, Prompt: e.prompt})
	}
	return kfs, nil
}

func syncScenes(prompts []string, frameCount int, boundaries []int) ([]KeyFrame, error) {
	starts := []int{0}
	for _, b := range boundaries {
		if b > starts[len(starts)-1] && b < frameCount {
			starts = append(starts, b)
		}
	}
	if len(prompts) > len(starts) {
		return nil, types.Errorf(types.ErrMalformedSchedule,
			"%d prompts for %d detected scenes", len(prompts), len(starts))
	}

	kfs := make([]KeyFrame, len(prompts))
	for i, p := range prompts {
		kfs[i] = KeyFrame{Frame: starts[i], Prompt: p}
	}
	return kfs, nil
}

func specLines(spec string) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(strings.NewReader(spec))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, types.NewError(types.ErrMalformedSchedule, "unreadable prompt line").WithCause(err)
	}
	return out, nil
}
