// Package keyframe parses prompt schedules: sparse (frame, prompt) anchors the
// animation must pass through.
package keyframe

import (
	"bufio"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ivlev/giffusion/internal/types"
)

// KeyFrame anchors a prompt at a frame index.
type KeyFrame struct {
	Frame  int    `yaml:"frame"`
	Prompt string `yaml:"prompt"`
}

// Alternatives splits a multi-prompt entry on "|". Each alternative is
// encoded separately and the embeddings are averaged.
func (k KeyFrame) Alternatives() []string {
	parts := strings.Split(k.Prompt, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var entryRe = regexp.MustCompile(`^\s*(\d+)\s*:\s*(.*?)\s*$`)

// Parse reads one "frame: prompt" entry per line. Blank lines and lines
// starting with '#' are skipped.
func Parse(spec string) ([]KeyFrame, error) {
	var kfs []KeyFrame

	scanner := bufio.NewScanner(strings.NewReader(spec))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		m := entryRe.FindStringSubmatch(line)
		if m == nil {
			return nil, types.Errorf(types.ErrMalformedSchedule, "line %d: expected \"frame: prompt\", got %q", lineNo, line)
		}
		frame, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, types.Errorf(types.ErrMalformedSchedule, "line %d: bad frame index %q", lineNo, m[1]).WithCause(err)
		}
		if m[2] == "" {
			return nil, types.Errorf(types.ErrMalformedSchedule, "line %d: empty prompt for frame %d", lineNo, frame)
		}
		kfs = append(kfs, KeyFrame{Frame: frame, Prompt: m[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, types.Errorf(types.ErrMalformedSchedule, "line %d: unreadable", lineNo+1).WithCause(err)
	}

	return Normalize(kfs)
}

// Normalize sorts keyframes by frame and rejects empty schedules, negative
// frames and duplicate frames. The input slice is not modified.
func Normalize(kfs []KeyFrame) ([]KeyFrame, error) {
	if len(kfs) == 0 {
		return nil, types.NewError(types.ErrMalformedSchedule, "no keyframes")
	}

	out := make([]KeyFrame, len(kfs))
	copy(out, kfs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Frame < out[j].Frame })

	for i, kf := range out {
		if kf.Frame < 0 {
			return nil, types.Errorf(types.ErrMalformedSchedule, "negative frame %d", kf.Frame)
		}
		if strings.TrimSpace(kf.Prompt) == "" {
			return nil, types.Errorf(types.ErrMalformedSchedule, "empty prompt for frame %d", kf.Frame)
		}
		if i > 0 && out[i-1].Frame == kf.Frame {
			return nil, types.Errorf(types.ErrMalformedSchedule, "duplicate keyframe at frame %d", kf.Frame)
		}
	}
	return out, nil
}

// MaxFrames is the timeline length implied by kfs: the last frame plus one.
func MaxFrames(kfs []KeyFrame) int {
	maxFrame := -1
	for _, kf := range kfs {
		if kf.Frame > maxFrame {
			maxFrame = kf.Frame
		}
	}
	return maxFrame + 1
}

// CheckInputs rejects a run conditioned on both a static image and a video.
func CheckInputs(imagePath, videoPath string) error {
	if imagePath != "" && videoPath != "" {
		return types.Errorf(types.ErrConflictingInput,
			"cannot use both image input %q and video input %q; set at most one", imagePath, videoPath)
	}
	return nil
}
