// Package timeline expands a sparse keyframe schedule into one entry per
// frame: the initial latent and the prompt representation the model sees.
package timeline

import (
	"fmt"
	"strings"

	"github.com/ivlev/giffusion/internal/tensor"
)

// Mode selects how prompts reach the model.
type Mode string

const (
	// Embeddings interpolates encoded prompt embeddings between keyframes.
	Embeddings Mode = "embeddings"
	// Text passes raw prompt strings, each frame holding the prompt of the
	// nearest preceding keyframe.
	Text Mode = "text"
)

// ParseMode validates a configured mode name. Empty means embeddings.
func ParseMode(name string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(name))); m {
	case "", Embeddings:
		return Embeddings, nil
	case Text:
		return Text, nil
	default:
		return "", fmt.Errorf("unknown prompt mode: %s", name)
	}
}

// Segment records the fractions used between two adjacent keyframes.
type Segment struct {
	Start     int       `yaml:"start"`
	End       int       `yaml:"end"`
	Fractions []float64 `yaml:"fractions,flow"`
}

// Timeline is the dense per-frame schedule over [First, First+Len). Only the
// Builder writes it.
type Timeline struct {
	mode     Mode
	first    int
	latents  []*tensor.Tensor
	embeds   []*tensor.Tensor
	prompts  []string
	segments []Segment
}

func newTimeline(mode Mode, first, n int) *Timeline {
	tl := &Timeline{
		mode:    mode,
		first:   first,
		latents: make([]*tensor.Tensor, n),
	}
	if mode == Embeddings {
		tl.embeds = make([]*tensor.Tensor, n)
	} else {
		tl.prompts = make([]string, n)
	}
	return tl
}

// Mode returns the prompt mode the timeline was built in.
func (tl *Timeline) Mode() Mode { return tl.mode }

// Len returns the number of frames.
func (tl *Timeline) Len() int { return len(tl.latents) }

// First returns the first frame index.
func (tl *Timeline) First() int { return tl.first }

// Range returns the covered frames as a half-open interval.
func (tl *Timeline) Range() (start, end int) { return tl.first, tl.first + len(tl.latents) }

// Contains reports whether frame has an entry.
func (tl *Timeline) Contains(frame int) bool {
	start, end := tl.Range()
	return frame >= start && frame < end
}

// Latent returns the initial latent of frame, or nil outside the timeline.
func (tl *Timeline) Latent(frame int) *tensor.Tensor {
	if !tl.Contains(frame) {
		return nil
	}
	return tl.latents[frame-tl.first]
}

// Embedding returns the prompt embedding of frame. It is nil in text mode and
// outside the timeline.
func (tl *Timeline) Embedding(frame int) *tensor.Tensor {
	if tl.embeds == nil || !tl.Contains(frame) {
		return nil
	}
	return tl.embeds[frame-tl.first]
}

// Prompt returns the raw prompt of frame. It is empty in embedding mode and
// outside the timeline.
func (tl *Timeline) Prompt(frame int) string {
	if tl.prompts == nil || !tl.Contains(frame) {
		return ""
	}
	return tl.prompts[frame-tl.first]
}

// Segments returns the per-pair fractions in keyframe order.
func (tl *Timeline) Segments() []Segment { return tl.segments }

func (tl *Timeline) set(frame int, latent, embed *tensor.Tensor, prompt string) {
	i := frame - tl.first
	tl.latents[i] = latent
	if tl.embeds != nil {
		tl.embeds[i] = embed
	} else {
		tl.prompts[i] = prompt
	}
}
