package timeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ivlev/giffusion/internal/encoder"
	"github.com/ivlev/giffusion/internal/keyframe"
	"github.com/ivlev/giffusion/internal/schedule"
	"github.com/ivlev/giffusion/internal/tensor"
	"github.com/ivlev/giffusion/internal/types"
)

// Builder walks adjacent keyframe pairs and fills a Timeline.
type Builder struct {
	Encoder     encoder.Encoder
	Timing      schedule.Timing
	Generator   *schedule.Generator
	LatentShape []int
	MasterSeed  uint64
	// Seeds defaults to schedule.NewSeeds(MasterSeed, max frames).
	Seeds schedule.Seeds
	// FixedLatent keeps one latent for the whole run so only the prompt moves.
	FixedLatent bool
	Mode        Mode
	Logger      *zap.Logger
}

// Build produces the timeline for kfs. The generator is re-seeded before
// every latent draw, so the result depends only on the keyframes, the seeds
// and the timing.
func (b *Builder) Build(ctx context.Context, kfs []keyframe.KeyFrame) (*Timeline, error) {
	kfs, err := keyframe.Normalize(kfs)
	if err != nil {
		return nil, err
	}
	if len(b.LatentShape) == 0 {
		return nil, fmt.Errorf("latent shape is not set")
	}

	mode := b.Mode
	if mode == "" {
		mode = Embeddings
	}
	if mode == Embeddings && b.Encoder == nil {
		return nil, fmt.Errorf("embedding mode needs an encoder")
	}
	timing := b.Timing
	if timing == nil {
		timing = schedule.Uniform{}
	}
	gen := b.Generator
	if gen == nil {
		gen = schedule.NewGenerator(b.MasterSeed)
	}
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxFrames := keyframe.MaxFrames(kfs)
	seeds := b.Seeds
	if seeds == nil {
		seeds = schedule.NewSeeds(b.MasterSeed, maxFrames)
	}
	if len(seeds) < maxFrames {
		return nil, types.Errorf(types.ErrMalformedSchedule, "seed schedule has %d frames, keyframes need %d", len(seeds), maxFrames)
	}

	first := kfs[0].Frame
	tl := newTimeline(mode, first, maxFrames-first)

	var embeds []*tensor.Tensor
	if mode == Embeddings {
		if embeds, err = encodeAll(ctx, b.Encoder, kfs); err != nil {
			return nil, err
		}
	}

	startLatent := tensor.Randn(gen.ManualSeed(b.MasterSeed), b.LatentShape...)

	if len(kfs) == 1 {
		var embed *tensor.Tensor
		if mode == Embeddings {
			embed = embeds[0]
		}
		tl.set(first, startLatent, embed, kfs[0].Prompt)
		tl.segments = []Segment{{Start: first, End: first, Fractions: []float64{0}}}
		return tl, nil
	}

	for i := 0; i+1 < len(kfs); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		from, to := kfs[i], kfs[i+1]

		endLatent := startLatent
		if !b.FixedLatent {
			endLatent = tensor.Randn(gen.ManualSeed(seeds[to.Frame]), b.LatentShape...)
		}

		var e0, e1 *tensor.Tensor
		if mode == Embeddings {
			if e0, e1, err = tensor.PadToMatch(embeds[i], embeds[i+1]); err != nil {
				return nil, err
			}
		}

		fractions, err := timing.Fractions(from.Frame, to.Frame)
		if err != nil {
			return nil, err
		}
		if len(fractions) != to.Frame-from.Frame+1 {
			return nil, types.Errorf(types.ErrMalformedSchedule,
				"timing returned %d fractions for frames %d-%d", len(fractions), from.Frame, to.Frame)
		}

		for j, t := range fractions {
			frame := from.Frame + j
			latent, err := tensor.Slerp(t, startLatent, endLatent)
			if err != nil {
				return nil, err
			}
			var embed *tensor.Tensor
			if mode == Embeddings {
				if embed, err = tensor.Slerp(t, e0, e1); err != nil {
					return nil, err
				}
			}
			prompt := from.Prompt
			if frame == to.Frame {
				prompt = to.Prompt
			}
			tl.set(frame, latent, embed, prompt)
		}
		tl.segments = append(tl.segments, Segment{Start: from.Frame, End: to.Frame, Fractions: fractions})

		logger.Debug("segment built",
			zap.Int("start", from.Frame),
			zap.Int("end", to.Frame),
			zap.Uint64("end_seed", seeds[to.Frame]))

		startLatent = endLatent
	}

	return tl, nil
}

// encodeAll encodes every keyframe prompt, each distinct prompt once, and
// pads all embeddings to the longest token length so consecutive frames
// stack into one batch.
func encodeAll(ctx context.Context, enc encoder.Encoder, kfs []keyframe.KeyFrame) ([]*tensor.Tensor, error) {
	prompts := &promptCache{enc: enc, cache: map[string]*tensor.Tensor{}}
	out := make([]*tensor.Tensor, len(kfs))
	tokens := 0
	for i, kf := range kfs {
		t, err := prompts.get(ctx, kf)
		if err != nil {
			return nil, err
		}
		if len(t.Shape) < 2 {
			return nil, types.Errorf(types.ErrShapeMismatch, "embedding %s at frame %d has no token axis", t, kf.Frame)
		}
		tokens = max(tokens, t.Shape[1])
		out[i] = t
	}
	for i, t := range out {
		padded, err := tensor.PadAxis(t, 1, tokens)
		if err != nil {
			return nil, err
		}
		out[i] = padded
	}
	return out, nil
}

// promptCache encodes each distinct prompt once per build.
type promptCache struct {
	enc   encoder.Encoder
	cache map[string]*tensor.Tensor
}

func (c *promptCache) get(ctx context.Context, kf keyframe.KeyFrame) (*tensor.Tensor, error) {
	if t, ok := c.cache[kf.Prompt]; ok {
		return t, nil
	}
	alts := kf.Alternatives()
	if len(alts) == 0 {
		return nil, types.Errorf(types.ErrMalformedSchedule, "empty prompt at frame %d", kf.Frame)
	}
	embeds, err := c.enc.Encode(ctx, alts)
	if err != nil {
		return nil, fmt.Errorf("encode prompt at frame %d: %w", kf.Frame, err)
	}
	if len(embeds) != len(alts) {
		return nil, fmt.Errorf("encoder returned %d embeddings for %d prompts", len(embeds), len(alts))
	}
	t, err := tensor.Mean(embeds)
	if err != nil {
		return nil, err
	}
	c.cache[kf.Prompt] = t
	return t, nil
}
