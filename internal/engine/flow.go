// Package engine drives a run: Flow composes the schedule, timeline, batcher
// and model calls; Project wraps a Flow with input resolution and output
// encoding.
package engine

import (
	"context"
	"fmt"
	"image"
	"iter"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ivlev/giffusion/internal/audio"
	"github.com/ivlev/giffusion/internal/batch"
	"github.com/ivlev/giffusion/internal/config"
	"github.com/ivlev/giffusion/internal/encoder"
	"github.com/ivlev/giffusion/internal/keyframe"
	"github.com/ivlev/giffusion/internal/metrics"
	"github.com/ivlev/giffusion/internal/pipeline"
	"github.com/ivlev/giffusion/internal/schedule"
	"github.com/ivlev/giffusion/internal/tensor"
	"github.com/ivlev/giffusion/internal/timeline"
	"github.com/ivlev/giffusion/internal/types"
)

const instrumentationName = "github.com/ivlev/giffusion/internal/engine"

// Runtime holds the collaborators a run owns. Nothing in the engine reads
// package-level state; everything a flow touches comes through here.
type Runtime struct {
	Model     pipeline.Model
	Encoder   encoder.Encoder
	Generator *schedule.Generator
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Tracer    trace.Tracer
}

func (rt Runtime) withDefaults(seed uint64) Runtime {
	if rt.Logger == nil {
		rt.Logger = zap.NewNop()
	}
	if rt.Tracer == nil {
		rt.Tracer = otel.Tracer(instrumentationName)
	}
	if rt.Generator == nil {
		rt.Generator = schedule.NewGenerator(seed)
	}
	return rt
}

// Inputs are the resolved per-run inputs.
type Inputs struct {
	Keyframes []keyframe.KeyFrame
	// StaticImage is a [1, 3, H, W] conditioning image.
	StaticImage *tensor.Tensor
	// VideoFrames holds one [1, 3, H, W] tensor per source video frame.
	VideoFrames []*tensor.Tensor
	// Audio drives the timing when the timing mode is audio.
	Audio *audio.Signal
}

// Result is the model output for one batch. Images has one entry per valid
// row of Batch, in frame order.
type Result struct {
	Batch  *batch.Batch
	Images []image.Image
}

// Flow is a prepared run: keyframes parsed, seeds drawn, timeline built.
type Flow struct {
	cfg       *config.Config
	rt        Runtime
	logger    *zap.Logger
	variant   pipeline.Variant
	caps      pipeline.Capabilities
	keyframes []keyframe.KeyFrame
	seeds     schedule.Seeds
	timeline  *timeline.Timeline
	batcher   *batch.Batcher
	static    pipeline.Static
}

// NewFlow validates the configuration against the model's capabilities and
// builds the timeline.
func NewFlow(ctx context.Context, cfg *config.Config, rt Runtime, in Inputs) (*Flow, error) {
	if rt.Model == nil {
		return nil, fmt.Errorf("flow needs a model")
	}
	rt = rt.withDefaults(cfg.Seed)
	logger := rt.Logger.With(zap.String("component", "flow"))

	if in.StaticImage != nil && in.VideoFrames != nil {
		return nil, types.NewError(types.ErrConflictingInput, "both a static image and video frames were supplied")
	}

	variant, err := pipeline.ParseVariant(cfg.Model.Variant)
	if err != nil {
		return nil, err
	}
	caps, err := pipeline.CapabilitiesFor(variant, cfg.Model.Capabilities)
	if err != nil {
		return nil, err
	}
	mode, err := timeline.ParseMode(cfg.PromptMode)
	if err != nil {
		return nil, err
	}
	if err := pipeline.CheckCapabilities(caps, mode); err != nil {
		return nil, err
	}
	tail, err := batch.ParseTailPolicy(cfg.Batch.Tail)
	if err != nil {
		return nil, err
	}

	kfs, err := keyframe.Normalize(in.Keyframes)
	if err != nil {
		return nil, err
	}
	frameCount := keyframe.MaxFrames(kfs)
	if cfg.MaxFrames > 0 && frameCount > cfg.MaxFrames {
		return nil, types.Errorf(types.ErrMalformedSchedule,
			"schedule spans %d frames, more than max_frames %d", frameCount, cfg.MaxFrames)
	}
	if len(in.VideoFrames) > 0 && len(in.VideoFrames) < frameCount {
		return nil, types.Errorf(types.ErrMalformedSchedule,
			"schedule spans %d frames but the video has only %d", frameCount, len(in.VideoFrames))
	}
	seeds := schedule.NewSeeds(cfg.Seed, frameCount)

	timing, err := newTiming(cfg, in.Audio, rt.Logger)
	if err != nil {
		return nil, err
	}

	f := &Flow{
		cfg:       cfg,
		rt:        rt,
		logger:    logger,
		variant:   variant,
		caps:      caps,
		keyframes: kfs,
		seeds:     seeds,
	}

	f.timeline, err = f.buildTimeline(ctx, &timeline.Builder{
		Encoder:     rt.Encoder,
		Timing:      timing,
		Generator:   rt.Generator,
		LatentShape: cfg.LatentShape(),
		MasterSeed:  cfg.Seed,
		Seeds:       seeds,
		FixedLatent: cfg.FixedLatent,
		Mode:        mode,
		Logger:      rt.Logger,
	})
	if err != nil {
		return nil, err
	}

	f.static = pipeline.Static{
		Height:         cfg.Height,
		Width:          cfg.Width,
		Steps:          cfg.Model.Steps,
		GuidanceScale:  cfg.Model.GuidanceScale,
		Strength:       cfg.Model.Strength,
		NegativePrompt: cfg.Model.NegativePrompt,
		Image:          in.StaticImage,
		Overrides:      cfg.Model.Args,
	}
	if unused := pipeline.Unused(caps, f.static, in.VideoFrames != nil); len(unused) > 0 {
		logger.Warn("model ignores configured options",
			zap.String("variant", string(variant)), zap.Strings("options", unused))
	}

	f.batcher = batch.New(f.timeline, batch.Options{
		Size:        cfg.Batch.Size,
		Tail:        tail,
		Seeds:       seeds,
		VideoFrames: in.VideoFrames,
	})

	start, end := f.timeline.Range()
	logger.Info("flow ready",
		zap.Int("keyframes", len(kfs)),
		zap.Int("first_frame", start),
		zap.Int("frames", end-start),
		zap.String("mode", string(mode)),
		zap.String("variant", string(variant)))
	return f, nil
}

func (f *Flow) buildTimeline(ctx context.Context, b *timeline.Builder) (*timeline.Timeline, error) {
	ctx, span := f.rt.Tracer.Start(ctx, "timeline.build",
		trace.WithAttributes(
			attribute.String("timeline.mode", string(b.Mode)),
			attribute.Int("timeline.keyframes", len(f.keyframes)),
		))
	defer span.End()

	start := time.Now()
	tl, err := b.Build(ctx, f.keyframes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	f.rt.Metrics.RecordTimelineBuild(string(b.Mode), time.Since(start))
	span.SetAttributes(attribute.Int("timeline.frames", tl.Len()))
	return tl, nil
}

// newTiming selects the fraction source. Every mode is available to every
// variant.
func newTiming(cfg *config.Config, sig *audio.Signal, logger *zap.Logger) (schedule.Timing, error) {
	switch cfg.Timing.Mode {
	case "", "uniform":
		return schedule.Uniform{}, nil
	case "eased":
		ease, err := schedule.ParseEase(cfg.Timing.Easing)
		if err != nil {
			return nil, err
		}
		return schedule.Eased{Curve: ease}, nil
	case "audio":
		if sig == nil {
			return nil, types.NewError(types.ErrInsufficientAudio, "audio timing selected but no audio was loaded")
		}
		comp, err := audio.ParseComponent(cfg.Timing.AudioComponent)
		if err != nil {
			return nil, err
		}
		return schedule.AudioReactive{Curves: audio.NewExtractor(sig, comp, logger), FPS: cfg.FPS}, nil
	default:
		return nil, fmt.Errorf("unknown timing mode: %s", cfg.Timing.Mode)
	}
}

// Create yields the model output batch by batch for frames (nil means the
// whole timeline), strictly in frame order. Model errors are yielded as
// returned by the model and end the sequence.
func (f *Flow) Create(ctx context.Context, frames []int) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		for b, err := range f.batcher.All(frames) {
			if err != nil {
				yield(nil, err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			res, err := f.generate(ctx, b)
			if !yield(res, err) || err != nil {
				return
			}
		}
	}
}

func (f *Flow) generate(ctx context.Context, b *batch.Batch) (*Result, error) {
	args, err := pipeline.BuildArgs(f.caps, b, f.static)
	if err != nil {
		return nil, err
	}

	ctx, span := f.rt.Tracer.Start(ctx, "model.generate",
		trace.WithAttributes(
			attribute.String("model.variant", string(f.variant)),
			attribute.Int("batch.index", b.Index),
			attribute.Int("batch.size", b.Len()),
			attribute.Int("batch.first_frame", b.Frames[0]),
		))
	defer span.End()

	start := time.Now()
	images, err := f.rt.Model.Generate(ctx, f.variant, args)
	f.rt.Metrics.RecordBatch(string(f.variant), b.Valid, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(images) < b.Valid {
		err := types.Errorf(types.ErrShapeMismatch, "model returned %d images for a batch of %d frames", len(images), b.Valid)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	f.logger.Debug("batch generated",
		zap.Int("batch", b.Index),
		zap.Ints("frames", b.Frames[:b.Valid]),
		zap.Duration("duration", time.Since(start)))
	return &Result{Batch: b, Images: images[:b.Valid]}, nil
}

func (f *Flow) Keyframes() []keyframe.KeyFrame { return f.keyframes }
func (f *Flow) Seeds() schedule.Seeds { return f.seeds }
func (f *Flow) Timeline() *timeline.Timeline { return f.timeline }
func (f *Flow) Variant() pipeline.Variant { return f.variant }
func (f *Flow) Capabilities() pipeline.Capabilities { return f.caps }
