package timeline

import (
	"context"
	"errors"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ivlev/giffusion/internal/keyframe"
	"github.com/ivlev/giffusion/internal/schedule"
	"github.com/ivlev/giffusion/internal/tensor"
	"github.com/ivlev/giffusion/internal/types"
)

// fakeEncoder returns a deterministic embedding per prompt whose token length
// depends on the prompt length.
type fakeEncoder struct {
	dim   int
	calls map[string]int
	err   error
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{dim: 4, calls: map[string]int{}}
}

func (f *fakeEncoder) Encode(_ context.Context, prompts []string) ([]*tensor.Tensor, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*tensor.Tensor, len(prompts))
	for i, p := range prompts {
		f.calls[p]++
		h := fnv.New64a()
		_, _ = h.Write([]byte(p))
		seed := h.Sum64()
		out[i] = tensor.Randn(schedule.NewGenerator(seed), 1, 2+len(p)%3, f.dim)
	}
	return out, nil
}

var latentShape = []int{1, 4, 8, 8}

func TestBuild_CoversEveryFrame(t *testing.T) {
	kfs := []keyframe.KeyFrame{{Frame: 3, Prompt: "a"}, {Frame: 10, Prompt: "bb"}, {Frame: 20, Prompt: "ccc"}}
	b := &Builder{Encoder: newFakeEncoder(), LatentShape: latentShape, MasterSeed: 42}

	tl, err := b.Build(context.Background(), kfs)
	require.NoError(t, err)
	assert.Equal(t, 18, tl.Len())
	start, end := tl.Range()
	assert.Equal(t, 3, start)
	assert.Equal(t, 21, end)

	shape := tl.Embedding(3).Shape
	for f := start; f < end; f++ {
		require.NotNil(t, tl.Latent(f), "frame %d", f)
		require.NotNil(t, tl.Embedding(f), "frame %d", f)
		assert.Equal(t, shape, tl.Embedding(f).Shape)
	}
	assert.Nil(t, tl.Latent(2))
	assert.Nil(t, tl.Latent(21))
	assert.Len(t, tl.Segments(), 2)
}

func TestBuild_ForwardFill(t *testing.T) {
	kfs, err := keyframe.Parse("0: A\n5: B")
	require.NoError(t, err)

	b := &Builder{Mode: Text, LatentShape: latentShape, MasterSeed: 1}
	tl, err := b.Build(context.Background(), kfs)
	require.NoError(t, err)
	require.Equal(t, 6, tl.Len())
	for f := 0; f < 5; f++ {
		assert.Equal(t, "A", tl.Prompt(f), "frame %d", f)
	}
	assert.Equal(t, "B", tl.Prompt(5))
	assert.Nil(t, tl.Embedding(0))
}

func TestBuild_LatentAnchors(t *testing.T) {
	kfs := []keyframe.KeyFrame{{Frame: 0, Prompt: "a"}, {Frame: 6, Prompt: "b"}, {Frame: 9, Prompt: "c"}}
	const master = 1234
	seeds := schedule.NewSeeds(master, 10)

	b := &Builder{Mode: Text, LatentShape: latentShape, MasterSeed: master, Seeds: seeds}
	tl, err := b.Build(context.Background(), kfs)
	require.NoError(t, err)

	first := tensor.Randn(schedule.NewGenerator(master), latentShape...)
	mid := tensor.Randn(schedule.NewGenerator(seeds[6]), latentShape...)
	last := tensor.Randn(schedule.NewGenerator(seeds[9]), latentShape...)
	assert.Equal(t, first.Data, tl.Latent(0).Data)
	assert.Equal(t, mid.Data, tl.Latent(6).Data)
	assert.Equal(t, last.Data, tl.Latent(9).Data)
	assert.NotEqual(t, first.Data, tl.Latent(3).Data)
}

func TestBuild_Deterministic(t *testing.T) {
	kfs := []keyframe.KeyFrame{{Frame: 0, Prompt: "a | b"}, {Frame: 12, Prompt: "c"}}
	build := func() *Timeline {
		b := &Builder{Encoder: newFakeEncoder(), LatentShape: latentShape, MasterSeed: 7}
		tl, err := b.Build(context.Background(), kfs)
		require.NoError(t, err)
		return tl
	}
	a, c := build(), build()
	for f := 0; f < 13; f++ {
		assert.Equal(t, a.Latent(f).Data, c.Latent(f).Data)
		assert.Equal(t, a.Embedding(f).Data, c.Embedding(f).Data)
	}
}

func TestBuild_FixedLatent(t *testing.T) {
	kfs := []keyframe.KeyFrame{{Frame: 0, Prompt: "a"}, {Frame: 4, Prompt: "b"}, {Frame: 8, Prompt: "c"}}
	b := &Builder{Encoder: newFakeEncoder(), LatentShape: latentShape, MasterSeed: 3, FixedLatent: true}
	tl, err := b.Build(context.Background(), kfs)
	require.NoError(t, err)
	for f := 1; f < tl.Len(); f++ {
		assert.Equal(t, tl.Latent(0).Data, tl.Latent(f).Data)
	}
	assert.NotEqual(t, tl.Embedding(0).Data, tl.Embedding(8).Data)
}

func TestBuild_SingleKeyframe(t *testing.T) {
	b := &Builder{Encoder: newFakeEncoder(), LatentShape: latentShape, MasterSeed: 3}
	tl, err := b.Build(context.Background(), []keyframe.KeyFrame{{Frame: 0, Prompt: "still"}})
	require.NoError(t, err)
	assert.Equal(t, 1, tl.Len())
	assert.NotNil(t, tl.Latent(0))
	assert.NotNil(t, tl.Embedding(0))
}

func TestBuild_EncodesEachPromptOnce(t *testing.T) {
	enc := newFakeEncoder()
	kfs := []keyframe.KeyFrame{{Frame: 0, Prompt: "a"}, {Frame: 5, Prompt: "b"}, {Frame: 10, Prompt: "a"}}
	b := &Builder{Encoder: enc, LatentShape: latentShape, MasterSeed: 3}
	_, err := b.Build(context.Background(), kfs)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, enc.calls)
}

func TestBuild_AveragesAlternatives(t *testing.T) {
	enc := newFakeEncoder()
	kfs := []keyframe.KeyFrame{{Frame: 0, Prompt: "xx | yyy"}, {Frame: 2, Prompt: "zzzz"}}
	b := &Builder{Encoder: enc, LatentShape: latentShape, MasterSeed: 3}
	tl, err := b.Build(context.Background(), kfs)
	require.NoError(t, err)

	parts, err := newFakeEncoder().Encode(context.Background(), []string{"xx", "yyy"})
	require.NoError(t, err)
	want, err := tensor.Mean(parts)
	require.NoError(t, err)
	want, err = tensor.PadAxis(want, 1, tl.Embedding(0).Shape[1])
	require.NoError(t, err)
	assert.Equal(t, want.Shape, tl.Embedding(0).Shape)
	assert.InDeltaSlice(t, toFloat64(want.Data), toFloat64(tl.Embedding(0).Data), 1e-6)
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

type shortTiming struct{}

func (shortTiming) Fractions(start, end int) ([]float64, error) { return []float64{0, 1}, nil }

func TestBuild_Errors(t *testing.T) {
	ctx := context.Background()
	kfs := []keyframe.KeyFrame{{Frame: 0, Prompt: "a"}, {Frame: 5, Prompt: "b"}}

	boom := errors.New("encoder offline")
	enc := newFakeEncoder()
	enc.err = boom
	_, err := (&Builder{Encoder: enc, LatentShape: latentShape}).Build(ctx, kfs)
	assert.ErrorIs(t, err, boom)

	_, err = (&Builder{Mode: Text, LatentShape: latentShape, Timing: shortTiming{}}).Build(ctx, kfs)
	assert.True(t, types.IsCode(err, types.ErrMalformedSchedule))

	_, err = (&Builder{Mode: Text, LatentShape: latentShape, Seeds: schedule.NewSeeds(1, 3)}).Build(ctx, kfs)
	assert.True(t, types.IsCode(err, types.ErrMalformedSchedule))

	_, err = (&Builder{Mode: Text, LatentShape: latentShape}).Build(ctx, nil)
	assert.True(t, types.IsCode(err, types.ErrMalformedSchedule))

	_, err = (&Builder{LatentShape: latentShape}).Build(ctx, kfs)
	assert.Error(t, err)

	mixed := newFakeEncoder()
	odd := &dimEncoder{fakeEncoder: mixed}
	_, err = (&Builder{Encoder: odd, LatentShape: latentShape}).Build(ctx, kfs)
	assert.True(t, types.IsCode(err, types.ErrShapeMismatch))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = (&Builder{Mode: Text, LatentShape: latentShape}).Build(cancelled, kfs)
	assert.ErrorIs(t, err, context.Canceled)
}

// dimEncoder widens the embedding of prompt "b" so it cannot be matched.
type dimEncoder struct{ *fakeEncoder }

func (d *dimEncoder) Encode(ctx context.Context, prompts []string) ([]*tensor.Tensor, error) {
	out, err := d.fakeEncoder.Encode(ctx, prompts)
	if err != nil {
		return nil, err
	}
	for i, p := range prompts {
		if p == "b" {
			out[i] = tensor.New(1, out[i].Shape[1], d.dim+1)
		}
	}
	return out, nil
}

func TestBuild_LengthProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		frames := rapid.SliceOfNDistinct(rapid.IntRange(0, 60), 1, 6, rapid.ID[int]).Draw(rt, "frames")
		kfs := make([]keyframe.KeyFrame, len(frames))
		for i, f := range frames {
			kfs[i] = keyframe.KeyFrame{Frame: f, Prompt: "p"}
		}
		ease := rapid.SampledFrom([]schedule.Ease{schedule.EaseLinear, schedule.EaseInOutCubic}).Draw(rt, "ease")

		b := &Builder{Mode: Text, LatentShape: []int{1, 2}, MasterSeed: rapid.Uint64().Draw(rt, "seed"), Timing: schedule.Eased{Curve: ease}}
		tl, err := b.Build(context.Background(), kfs)
		if err != nil {
			rt.Fatal(err)
		}

		sorted, _ := keyframe.Normalize(kfs)
		want := keyframe.MaxFrames(kfs) - sorted[0].Frame
		if tl.Len() != want {
			rt.Fatalf("len %d, want %d", tl.Len(), want)
		}
		start, end := tl.Range()
		for f := start; f < end; f++ {
			if tl.Latent(f) == nil || tl.Prompt(f) == "" {
				rt.Fatalf("frame %d has no entry", f)
			}
		}
	})
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Embeddings, m)
	m, err = ParseMode("TEXT")
	require.NoError(t, err)
	assert.Equal(t, Text, m)
	_, err = ParseMode("tokens")
	assert.Error(t, err)
}
