package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ivlev/giffusion/internal/audio"
	"github.com/ivlev/giffusion/internal/keyframe"
	"github.com/ivlev/giffusion/internal/metrics"
	"github.com/ivlev/giffusion/internal/pipeline"
	"github.com/ivlev/giffusion/internal/schedule"
	"github.com/ivlev/giffusion/internal/tensor"
	"github.com/ivlev/giffusion/internal/types"
)

var twoKeyframes = []keyframe.KeyFrame{{Frame: 0, Prompt: "a red fox"}, {Frame: 4, Prompt: "a snowy owl"}}

func collect(t *testing.T, f *Flow, frames []int) ([]*Result, error) {
	t.Helper()
	var out []*Result
	for res, err := range f.Create(context.Background(), frames) {
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func TestFlow_YieldsFramesInOrder(t *testing.T) {
	model := &fakeModel{}
	cfg := testConfig(t.TempDir())
	f, err := NewFlow(context.Background(), cfg, Runtime{Model: model, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes})
	require.NoError(t, err)

	results, err := collect(t, f, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	var frames []int
	for _, r := range results {
		assert.Len(t, r.Images, r.Batch.Valid)
		frames = append(frames, r.Batch.Frames[:r.Batch.Valid]...)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, frames)

	calls := model.Calls()
	require.Len(t, calls, 3)
	first := calls[0]
	assert.Contains(t, first, pipeline.ParamPromptEmbeds)
	assert.NotContains(t, first, pipeline.ParamPrompt)
	assert.Equal(t, 2, first[pipeline.ParamLatents].(*tensor.Tensor).Shape[0])
	assert.Len(t, first[pipeline.ParamGenerator], 2)
	assert.Equal(t, 64, first[pipeline.ParamHeight])
	assert.Equal(t, 1, rows(calls[2]))
	assert.Equal(t, schedule.Seeds(schedule.NewSeeds(7, 5)), f.Seeds())
}

func TestFlow_Reproducible(t *testing.T) {
	latents := func() [][]float32 {
		model := &fakeModel{}
		f, err := NewFlow(context.Background(), testConfig(t.TempDir()), Runtime{Model: model, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes})
		require.NoError(t, err)
		_, err = collect(t, f, nil)
		require.NoError(t, err)
		var out [][]float32
		for _, c := range model.Calls() {
			out = append(out, c[pipeline.ParamLatents].(*tensor.Tensor).Data)
		}
		return out
	}
	assert.Equal(t, latents(), latents())
}

func TestFlow_ModelErrorPassesThrough(t *testing.T) {
	boom := errors.New("CUDA out of memory")
	model := &fakeModel{err: boom}
	f, err := NewFlow(context.Background(), testConfig(t.TempDir()), Runtime{Model: model, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes})
	require.NoError(t, err)

	results, err := collect(t, f, nil)
	assert.Empty(t, results)
	assert.Equal(t, boom, err)
	assert.Len(t, model.Calls(), 1)
}

func TestFlow_ShortModelOutput(t *testing.T) {
	f, err := NewFlow(context.Background(), testConfig(t.TempDir()), Runtime{Model: &fakeModel{short: true}, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes})
	require.NoError(t, err)
	_, err = collect(t, f, nil)
	assert.True(t, types.IsCode(err, types.ErrShapeMismatch))
}

func TestFlow_Capabilities(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Model.Variant = "custom"
	cfg.Model.Capabilities = []string{pipeline.ParamPrompt, pipeline.ParamLatents}

	_, err := NewFlow(context.Background(), cfg, Runtime{Model: &fakeModel{}, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes})
	assert.True(t, types.IsCode(err, types.ErrUnsupportedCapability))

	cfg.PromptMode = "text"
	model := &fakeModel{}
	f, err := NewFlow(context.Background(), cfg, Runtime{Model: model}, Inputs{Keyframes: twoKeyframes})
	require.NoError(t, err)
	_, err = collect(t, f, nil)
	require.NoError(t, err)

	for _, c := range model.Calls() {
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		assert.ElementsMatch(t, []string{pipeline.ParamPrompt, pipeline.ParamLatents}, keys)
	}
	assert.Equal(t, []string{"a red fox", "a red fox"}, model.Calls()[0][pipeline.ParamPrompt])
}

func TestFlow_StaticImage(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Model.Variant = "img2img"
	img := tensor.New(1, 3, 64, 64)
	model := &fakeModel{}

	f, err := NewFlow(context.Background(), cfg, Runtime{Model: model, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes, StaticImage: img})
	require.NoError(t, err)
	_, err = collect(t, f, []int{0, 1})
	require.NoError(t, err)

	calls := model.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []int{2, 3, 64, 64}, calls[0][pipeline.ParamImage].(*tensor.Tensor).Shape)
	assert.Equal(t, cfg.Model.Strength, calls[0][pipeline.ParamStrength])
	assert.NotContains(t, calls[0], pipeline.ParamLatents)
}

func TestFlow_InputErrors(t *testing.T) {
	rt := Runtime{Model: &fakeModel{}, Encoder: &fakeEncoder{}}
	img := tensor.New(1, 3, 64, 64)

	_, err := NewFlow(context.Background(), testConfig(t.TempDir()), rt,
		Inputs{Keyframes: twoKeyframes, StaticImage: img, VideoFrames: []*tensor.Tensor{img}})
	assert.True(t, types.IsCode(err, types.ErrConflictingInput))

	_, err = NewFlow(context.Background(), testConfig(t.TempDir()), rt, Inputs{})
	assert.True(t, types.IsCode(err, types.ErrMalformedSchedule))

	cfg := testConfig(t.TempDir())
	cfg.Timing.Mode = "audio"
	_, err = NewFlow(context.Background(), cfg, rt, Inputs{Keyframes: twoKeyframes})
	assert.True(t, types.IsCode(err, types.ErrInsufficientAudio))

	_, err = NewFlow(context.Background(), testConfig(t.TempDir()), Runtime{}, Inputs{Keyframes: twoKeyframes})
	assert.Error(t, err)
}

func TestFlow_ScheduleBounds(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Model.Variant = "img2img"
	model := &fakeModel{}
	enc := &fakeEncoder{}
	rt := Runtime{Model: model, Encoder: enc}
	frame := tensor.New(1, 3, 64, 64)

	// keyframes reach frame 5 but the video stops after frame 1
	short := []keyframe.KeyFrame{{Frame: 0, Prompt: "a"}, {Frame: 5, Prompt: "b"}}
	_, err := NewFlow(context.Background(), cfg, rt, Inputs{Keyframes: short, VideoFrames: []*tensor.Tensor{frame, frame}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrMalformedSchedule))
	assert.Empty(t, model.Calls())
	assert.Zero(t, enc.calls)

	video := make([]*tensor.Tensor, 6)
	for i := range video {
		video[i] = frame
	}
	f, err := NewFlow(context.Background(), cfg, rt, Inputs{Keyframes: short, VideoFrames: video})
	require.NoError(t, err)
	res, err := collect(t, f, nil)
	require.NoError(t, err)
	assert.Len(t, res, 3)

	huge := []keyframe.KeyFrame{{Frame: 0, Prompt: "a"}, {Frame: 99999999999, Prompt: "b"}}
	_, err = NewFlow(context.Background(), testConfig(t.TempDir()), Runtime{Model: &fakeModel{}, Encoder: &fakeEncoder{}}, Inputs{Keyframes: huge})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrMalformedSchedule))
}

func TestFlow_ExplicitFramesAndTail(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Batch.Tail = "drop"
	model := &fakeModel{}
	f, err := NewFlow(context.Background(), cfg, Runtime{Model: model, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes})
	require.NoError(t, err)

	results, err := collect(t, f, []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []int{1, 2}, results[0].Batch.Frames)

	_, err = collect(t, f, []int{9})
	assert.True(t, types.IsCode(err, types.ErrMalformedSchedule))
}

func TestFlow_Cancelled(t *testing.T) {
	model := &fakeModel{}
	f, err := NewFlow(context.Background(), testConfig(t.TempDir()), Runtime{Model: model, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var got error
	n := 0
	for _, err := range f.Create(ctx, nil) {
		if err != nil {
			got = err
			break
		}
		n++
		cancel()
	}
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, got, context.Canceled)
	assert.Len(t, model.Calls(), 1)
}

// burst is two seconds of silence with a loud noise burst in the middle.
func burst() *audio.Signal {
	sr := 8192
	g := schedule.NewGenerator(1)
	samples := make([]float32, 2*sr)
	for i := sr - sr/8; i < sr+sr/8; i++ {
		samples[i] = float32(0.8 * g.NormFloat64())
	}
	return &audio.Signal{Samples: samples, SampleRate: sr}
}

func TestFlow_AudioTiming(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Timing.Mode = "audio"
	cfg.Timing.AudioComponent = "both"
	kfs := []keyframe.KeyFrame{{Frame: 0, Prompt: "a"}, {Frame: 20, Prompt: "b"}}

	f, err := NewFlow(context.Background(), cfg, Runtime{Model: &fakeModel{}, Encoder: &fakeEncoder{}}, Inputs{Keyframes: kfs, Audio: burst()})
	require.NoError(t, err)

	segs := f.Timeline().Segments()
	require.Len(t, segs, 1)
	fr := segs[0].Fractions
	require.Len(t, fr, 21)
	assert.Equal(t, 0.0, fr[0])
	assert.Equal(t, 1.0, fr[20])

	// the onset of the burst carries most of the change
	assert.Greater(t, fr[9]-fr[6], 0.5)
	diff := 0.0
	for i, v := range schedule.Linspace(0, 1, 21) {
		diff = math.Max(diff, math.Abs(v-fr[i]))
	}
	assert.Greater(t, diff, 0.05)
}

func TestFlow_EasedTiming(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Timing.Mode = "eased"
	cfg.Timing.Easing = "ease-in-out-sine"
	f, err := NewFlow(context.Background(), cfg, Runtime{Model: &fakeModel{}, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes})
	require.NoError(t, err)
	fr := f.Timeline().Segments()[0].Fractions
	assert.InDelta(t, 0.5, fr[2], 1e-9)
	assert.Less(t, fr[1], 0.25)

	cfg.Timing.Mode = "wobbly"
	_, err = NewFlow(context.Background(), cfg, Runtime{Model: &fakeModel{}, Encoder: &fakeEncoder{}}, Inputs{Keyframes: twoKeyframes})
	assert.Error(t, err)
}

func TestFlow_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	rt := Runtime{Model: &fakeModel{}, Encoder: &fakeEncoder{}, Tracer: tp.Tracer("test")}
	f, err := NewFlow(context.Background(), testConfig(t.TempDir()), rt, Inputs{Keyframes: twoKeyframes})
	require.NoError(t, err)
	_, err = collect(t, f, nil)
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, map[string]int{"timeline.build": 1, "model.generate": 3}, names)
}

var metricsSeq atomic.Int64

func TestFlow_Metrics(t *testing.T) {
	ns := fmt.Sprintf("engine_test_%d", metricsSeq.Add(1))
	rt := Runtime{Model: &fakeModel{}, Encoder: &fakeEncoder{}, Metrics: metrics.NewCollector(ns, nil)}
	f, err := NewFlow(context.Background(), testConfig(t.TempDir()), rt, Inputs{Keyframes: twoKeyframes})
	require.NoError(t, err)
	_, err = collect(t, f, nil)
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, ns+"_batches_total", ns+"_timeline_build_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
