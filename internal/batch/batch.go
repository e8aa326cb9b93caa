// Package batch groups timeline frames into model invocations.
package batch

import (
	"fmt"
	"iter"
	"strings"

	"github.com/ivlev/giffusion/internal/schedule"
	"github.com/ivlev/giffusion/internal/tensor"
	"github.com/ivlev/giffusion/internal/timeline"
	"github.com/ivlev/giffusion/internal/types"
)

// TailPolicy decides what happens to a final group shorter than the batch
// size.
type TailPolicy string

const (
	// Drop discards the short tail.
	Drop TailPolicy = "drop"
	// Pad repeats the last frame until the batch is full. Batch.Valid counts
	// the real entries.
	Pad TailPolicy = "pad"
	// Shrink emits a smaller final batch.
	Shrink TailPolicy = "shrink"
)

// ParseTailPolicy validates a configured policy. Empty means shrink.
func ParseTailPolicy(name string) (TailPolicy, error) {
	switch p := TailPolicy(strings.ToLower(strings.TrimSpace(name))); p {
	case "", Shrink:
		return Shrink, nil
	case Drop, Pad:
		return p, nil
	default:
		return "", fmt.Errorf("unknown tail policy: %s", name)
	}
}

// Options configures a Batcher.
type Options struct {
	Size int
	Tail TailPolicy
	// Seeds seeds one generator per frame. Without seeds batches carry no
	// generators.
	Seeds schedule.Seeds
	// VideoFrames holds one conditioning tensor per source frame, indexed by
	// frame number. Optional.
	VideoFrames []*tensor.Tensor
}

// Batch is a group of consecutive work units stacked on axis 0.
type Batch struct {
	Index int
	// Frames lists the frame index of every row, padding rows included.
	Frames []int
	// Valid is the number of leading rows that are real frames.
	Valid      int
	Latents    *tensor.Tensor
	Embeds     *tensor.Tensor
	Prompts    []string
	Generators []*schedule.Generator
	Images     *tensor.Tensor
}

// Len returns the number of rows.
func (b *Batch) Len() int { return len(b.Frames) }

// Batcher slices a timeline into batches.
type Batcher struct {
	tl   *timeline.Timeline
	opts Options
}

// New returns a batcher over tl.
func New(tl *timeline.Timeline, opts Options) *Batcher {
	if opts.Tail == "" {
		opts.Tail = Shrink
	}
	return &Batcher{tl: tl, opts: opts}
}

// Plan splits frames into row groups according to the tail policy without
// materializing tensors.
func (b *Batcher) Plan(frames []int) ([][]int, error) {
	if b.opts.Size <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", b.opts.Size)
	}
	if frames == nil {
		start, end := b.tl.Range()
		for f := start; f < end; f++ {
			frames = append(frames, f)
		}
	}
	for _, f := range frames {
		if !b.tl.Contains(f) {
			start, end := b.tl.Range()
			return nil, types.Errorf(types.ErrMalformedSchedule, "frame %d outside timeline [%d, %d)", f, start, end)
		}
		if b.opts.Seeds != nil && f >= len(b.opts.Seeds) {
			return nil, types.Errorf(types.ErrMalformedSchedule, "frame %d has no seed", f)
		}
	}

	var groups [][]int
	for lo := 0; lo < len(frames); lo += b.opts.Size {
		hi := min(lo+b.opts.Size, len(frames))
		group := append([]int(nil), frames[lo:hi]...)
		if len(group) < b.opts.Size {
			switch b.opts.Tail {
			case Drop:
				continue
			case Pad:
				last := group[len(group)-1]
				for len(group) < b.opts.Size {
					group = append(group, last)
				}
			}
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// All yields batches for frames in order. nil frames means the whole
// timeline. Validation errors are yielded before any batch.
func (b *Batcher) All(frames []int) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		groups, err := b.Plan(frames)
		if err != nil {
			yield(nil, err)
			return
		}
		valid := len(frames)
		if frames == nil {
			valid = b.tl.Len()
		}
		for i, group := range groups {
			n := min(len(group), valid-i*b.opts.Size)
			batch, err := b.assemble(i, group, n)
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

func (b *Batcher) assemble(index int, frames []int, valid int) (*Batch, error) {
	out := &Batch{Index: index, Frames: frames, Valid: valid}

	latents := make([]*tensor.Tensor, len(frames))
	var embeds []*tensor.Tensor
	if b.tl.Mode() == timeline.Embeddings {
		embeds = make([]*tensor.Tensor, len(frames))
	} else {
		out.Prompts = make([]string, len(frames))
	}
	for i, f := range frames {
		latents[i] = b.tl.Latent(f)
		if embeds != nil {
			embeds[i] = b.tl.Embedding(f)
		} else {
			out.Prompts[i] = b.tl.Prompt(f)
		}
	}

	var err error
	if out.Latents, err = tensor.Cat(latents); err != nil {
		return nil, err
	}
	if embeds != nil {
		if out.Embeds, err = tensor.Cat(embeds); err != nil {
			return nil, err
		}
	}

	if b.opts.Seeds != nil {
		out.Generators = make([]*schedule.Generator, len(frames))
		for i, f := range frames {
			out.Generators[i] = schedule.NewGenerator(b.opts.Seeds[f])
		}
	}

	if len(b.opts.VideoFrames) > 0 {
		images := make([]*tensor.Tensor, len(frames))
		for i, f := range frames {
			if f >= len(b.opts.VideoFrames) || b.opts.VideoFrames[f] == nil {
				return nil, types.Errorf(types.ErrMalformedSchedule,
					"frame %d has no source video frame (video has %d)", f, len(b.opts.VideoFrames))
			}
			images[i] = b.opts.VideoFrames[f]
		}
		if out.Images, err = tensor.Cat(images); err != nil {
			return nil, err
		}
	}
	return out, nil
}
