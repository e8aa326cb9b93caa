package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/giffusion/internal/analyzer"
	"github.com/ivlev/giffusion/internal/audio"
	"github.com/ivlev/giffusion/internal/config"
	"github.com/ivlev/giffusion/internal/keyframe"
	"github.com/ivlev/giffusion/internal/manifest"
	"github.com/ivlev/giffusion/internal/source"
	"github.com/ivlev/giffusion/internal/system"
	"github.com/ivlev/giffusion/internal/tracker"
	"github.com/ivlev/giffusion/internal/video"
)

// FrameDecoder extracts the frames of a video file. video.FFmpegDecoder
// implements it.
type FrameDecoder interface {
	Frames(ctx context.Context, path string, fps float64, width, height int, dir string) ([]string, error)
}

// AudioDecoder decodes an audio track. audio.FFmpegDecoder implements it.
type AudioDecoder interface {
	Decode(ctx context.Context, path string) (*audio.Signal, error)
}

// Project runs a whole generation: inputs in, animation out.
type Project struct {
	Config  *config.Config
	Runtime Runtime
	Tracker tracker.Tracker
	Encoder video.VideoEncoder
	Frames  FrameDecoder
	Audio   AudioDecoder
	// Codec overrides the mp4 encoder; empty picks the best available.
	Codec string
	// Progress is called after every batch with frames done and planned.
	Progress func(done, total int)
	// Out receives the console report. Defaults to os.Stdout.
	Out io.Writer
}

// Report describes a finished run.
type Report struct {
	RunID    string
	Dir      string
	Output   string
	Manifest string
	Frames   int
	Duration time.Duration
}

func NewProject(cfg *config.Config, rt Runtime) *Project {
	return &Project{
		Config:  cfg,
		Runtime: rt,
		Tracker: tracker.Nop{},
		Encoder: &video.FFmpegEncoder{},
		Frames:  &video.FFmpegDecoder{},
		Audio:   &audio.FFmpegDecoder{},
	}
}

// Run generates every frame, encodes the animation and writes the manifest
// into Output.Dir/<run id>. A failed run removes its working directory, so
// it leaves no artifact behind.
func (p *Project) Run(ctx context.Context) (report *Report, err error) {
	startTime := time.Now()
	cfg := p.Config
	rt := p.Runtime.withDefaults(cfg.Seed)
	logger := rt.Logger.With(zap.String("component", "project"))
	out := p.Out
	if out == nil {
		out = os.Stdout
	}
	trk := p.Tracker
	if trk == nil {
		trk = tracker.Nop{}
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	generated := 0
	defer func() {
		rt.Metrics.RecordRun(generated, time.Since(startTime), err)
	}()

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(cfg.Output.Dir, ".giffusion_")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(workDir)
		}
	}()

	in, audioPath, err := p.resolveInputs(ctx, workDir, logger)
	if err != nil {
		return nil, err
	}

	flow, err := NewFlow(ctx, cfg, rt, in)
	if err != nil {
		return nil, err
	}
	first, end := flow.Timeline().Range()
	total := end - first
	if cfg.Frames != nil {
		total = len(cfg.Frames)
	}

	fmt.Fprintln(out, "--- [PROJECT: GIFFUSION] ---")
	fmt.Fprintf(out, "[*] Ключевых кадров: %d | Кадров: %d | Модель: %s\n", len(flow.Keyframes()), total, flow.Variant())
	fmt.Fprintf(out, "[*] Разрешение: %dx%d @ %g FPS | Seed: %d | Пакет: %d\n", cfg.Width, cfg.Height, cfg.FPS, cfg.Seed, cfg.Batch.Size)
	fmt.Fprintln(out, "-----------------------------")

	run := tracker.Run{
		ID:         runID,
		StartedAt:  startTime,
		MasterSeed: cfg.Seed,
		Variant:    string(flow.Variant()),
		Keyframes:  len(flow.Keyframes()),
		Frames:     total,
		Params: map[string]any{
			"width":       cfg.Width,
			"height":      cfg.Height,
			"fps":         cfg.FPS,
			"prompt_mode": cfg.PromptMode,
			"timing":      cfg.Timing.Mode,
			"batch_size":  cfg.Batch.Size,
			"steps":       cfg.Model.Steps,
			"guidance":    cfg.Model.GuidanceScale,
		},
	}
	if err := trk.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	defer func() {
		status := tracker.StatusOK
		if err != nil {
			status = tracker.StatusFailed
		}
		if ferr := trk.FinishRun(context.WithoutCancel(ctx), runID, status, generated); ferr != nil {
			logger.Warn("tracker finish failed", zap.Error(ferr))
		}
	}()

	framesDir := filepath.Join(workDir, "frames")
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		return nil, err
	}

	renderStart := time.Now()
	paths, err := p.render(ctx, flow, runID, framesDir, total, trk, &generated, logger)
	if err != nil {
		return nil, err
	}
	renderTime := time.Since(renderStart)

	fmt.Fprintln(out, "[*] Сборка анимации...")
	encodeStart := time.Now()
	outputName, err := p.encode(ctx, paths, workDir, audioPath)
	if err != nil {
		return nil, err
	}
	encodeTime := time.Since(encodeStart)

	m := manifest.New(runID, cfg.Seed, string(flow.Variant()), flow.Keyframes(), flow.Seeds(), flow.Timeline(), cfg)
	m.Output = outputName
	if err := manifest.Write(m, filepath.Join(workDir, "manifest.yaml")); err != nil {
		return nil, fmt.Errorf("ошибка записи манифеста: %w", err)
	}
	if cfg.Output.QR {
		if err := manifest.WriteQR(m, filepath.Join(workDir, "manifest.png"), 256); err != nil {
			return nil, err
		}
	}

	if !cfg.Output.KeepFrames {
		os.RemoveAll(framesDir)
	}
	os.RemoveAll(filepath.Join(workDir, "source"))

	finalDir := filepath.Join(cfg.Output.Dir, runID)
	if err := os.Rename(workDir, finalDir); err != nil {
		return nil, err
	}

	report = &Report{
		RunID:    runID,
		Dir:      finalDir,
		Output:   filepath.Join(finalDir, outputName),
		Manifest: filepath.Join(finalDir, "manifest.yaml"),
		Frames:   generated,
		Duration: time.Since(startTime),
	}
	logger.Info("run finished", zap.String("output", report.Output), zap.Int("frames", generated))

	if cfg.ShowStats {
		p.printReport(ctx, out, report, renderTime, encodeTime, logger)
	}
	return report, nil
}

// resolveInputs loads the conditioning image or video, the audio track and
// the keyframe schedule. The returned path is the audio file to mux, if any.
func (p *Project) resolveInputs(ctx context.Context, workDir string, logger *zap.Logger) (Inputs, string, error) {
	cfg := p.Config
	var in Inputs

	if err := keyframe.CheckInputs(cfg.Input.Image, cfg.Input.Video); err != nil {
		return in, "", err
	}

	if cfg.Input.Image != "" {
		path, err := system.FindLatest(cfg.Input.Image, system.ImageExtensions)
		if err != nil {
			return in, "", err
		}
		img, err := source.LoadImage(path, cfg.Input.Page, cfg.Input.DPI)
		if err != nil {
			return in, "", err
		}
		in.StaticImage = source.ToTensor(img, cfg.Width, cfg.Height)
		logger.Info("conditioning image loaded", zap.String("path", path))
	}

	var frames []image.Image
	if cfg.Input.Video != "" {
		var err error
		frames, err = p.loadVideo(ctx, cfg.Input.Video, filepath.Join(workDir, "source"))
		if err != nil {
			return in, "", err
		}
		in.VideoFrames = source.ToTensors(frames, cfg.Width, cfg.Height)
		logger.Info("video frames loaded", zap.String("path", cfg.Input.Video), zap.Int("frames", len(frames)))
	}

	var audioPath string
	if cfg.Input.Audio != "" {
		var err error
		if audioPath, err = system.FindLatest(cfg.Input.Audio, system.AudioExtensions); err != nil {
			return in, "", err
		}
		if cfg.Timing.Mode == "audio" {
			if in.Audio, err = p.Audio.Decode(ctx, audioPath); err != nil {
				return in, "", err
			}
			logger.Info("audio loaded", zap.String("path", audioPath), zap.Float64("seconds", in.Audio.Duration()))
		}
	}

	kfs, err := p.loadKeyframes(frames)
	if err != nil {
		return in, "", err
	}
	in.Keyframes = kfs
	return in, audioPath, nil
}

// loadVideo reads the guiding frames. Image directories and PDFs are used
// page by page; anything else goes through the frame decoder at the run fps.
func (p *Project) loadVideo(ctx context.Context, path, dir string) ([]image.Image, error) {
	cfg := p.Config
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if fi.IsDir() || slices.Contains(system.ImageExtensions, ext) {
		src, err := source.Open(path, cfg.Input.DPI)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		return source.LoadAll(src)
	}

	if _, err := p.Frames.Frames(ctx, path, cfg.FPS, cfg.Width, cfg.Height, dir); err != nil {
		return nil, err
	}
	src, err := source.Open(dir, cfg.Input.DPI)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return source.LoadAll(src)
}

// loadKeyframes parses the schedule. With a guiding video, untimed prompts
// are synced to its detected scenes.
func (p *Project) loadKeyframes(videoFrames []image.Image) ([]keyframe.KeyFrame, error) {
	cfg := p.Config
	ext := strings.ToLower(filepath.Ext(cfg.PromptsFile))
	if cfg.PromptsFile != "" && (videoFrames == nil || ext == ".yaml" || ext == ".yml") {
		return keyframe.Load(cfg.PromptsFile)
	}
	if videoFrames == nil {
		return keyframe.Parse(cfg.Prompts)
	}

	spec := cfg.Prompts
	if cfg.PromptsFile != "" {
		data, err := os.ReadFile(cfg.PromptsFile)
		if err != nil {
			return nil, err
		}
		spec = string(data)
	}
	det, err := analyzer.NewDetector(cfg.Scenes.Detector, cfg.Scenes.Threshold)
	if err != nil {
		return nil, err
	}
	boundaries, err := det.Detect(videoFrames)
	if err != nil {
		return nil, err
	}
	return keyframe.SyncToVideo(spec, len(videoFrames), cfg.FPS, boundaries)
}

// render writes every generated frame as dir/NNNN.png. PNG encoding inside a
// batch runs in parallel; batches themselves stay sequential.
func (p *Project) render(ctx context.Context, flow *Flow, runID, dir string, total int, trk tracker.Tracker, generated *int, logger *zap.Logger) ([]string, error) {
	workers := max(1, p.Config.Workers)
	var paths []string

	for res, err := range flow.Create(ctx, p.Config.Frames) {
		if err != nil {
			return nil, err
		}
		b := res.Batch
		batchPaths := make([]string, len(res.Images))

		var g errgroup.Group
		g.SetLimit(workers)
		for i, img := range res.Images {
			path := filepath.Join(dir, fmt.Sprintf("%04d.png", b.Frames[i]))
			batchPaths[i] = path
			g.Go(func() error {
				return writePNG(path, img)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, path := range batchPaths {
			frame := b.Frames[i]
			// the work dir is renamed at the end, so only a run-relative path stays valid
			var rel string
			if p.Config.Output.KeepFrames {
				rel = filepath.Join("frames", filepath.Base(path))
			}
			if err := trk.LogFrame(ctx, runID, frame, flow.Seeds()[frame], rel); err != nil {
				logger.Warn("tracker frame failed", zap.Int("frame", frame), zap.Error(err))
			}
		}
		paths = append(paths, batchPaths...)
		*generated += len(batchPaths)
		if p.Progress != nil {
			p.Progress(*generated, total)
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("no frames were generated")
	}
	return paths, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func (p *Project) encode(ctx context.Context, frames []string, dir, audioPath string) (string, error) {
	cfg := p.Config
	format, err := video.ParseFormat(cfg.Output.Format)
	if err != nil {
		return "", err
	}
	opts := video.EncodeOptions{
		FPS:       cfg.FPS,
		Format:    format,
		Boomerang: cfg.Output.Boomerang,
	}
	if format == video.FormatMP4 {
		opts.Codec = p.Codec
		if opts.Codec == "" {
			opts.Codec = system.GetBestH264Encoder(ctx)
		}
		opts.Audio = audioPath
	}

	name := "output." + string(format)
	if err := p.Encoder.Encode(ctx, frames, filepath.Join(dir, name), opts); err != nil {
		return "", fmt.Errorf("ошибка сборки анимации: %w", err)
	}
	return name, nil
}

func (p *Project) printReport(ctx context.Context, out io.Writer, r *Report, renderTime, encodeTime time.Duration, logger *zap.Logger) {
	fps := float64(r.Frames) / r.Duration.Seconds()
	fmt.Fprintf(out,
		"--- [PERFORMANCE REPORT] ---\n"+
			"Run: %s\n"+
			"Total Time: %.2fs\n"+
			"Generation: %.2fs\n"+
			"Encoding: %.2fs\n"+
			"Effective FPS: %.2f\n",
		r.RunID, r.Duration.Seconds(), renderTime.Seconds(), encodeTime.Seconds(), fps,
	)
	if mem, err := system.ReadMemoryStats(ctx); err == nil {
		fmt.Fprintf(out, "Memory: RSS %d MB | System %d/%d MB (%.1f%%)\n",
			mem.ProcessRSS/1024/1024, mem.SystemUsed/1024/1024, mem.SystemTotal/1024/1024, mem.UsedPercent)
		logger.Debug("memory", mem.Fields()...)
	}
	fmt.Fprintln(out, "----------------------------")

	logEntry := fmt.Sprintf("[%s] Run: %s | Frames: %d | Total: %.2fs | Generate: %.2fs | Encode: %.2fs | FPS: %.2f\n",
		time.Now().Format("2006-01-02 15:04:05"),
		r.RunID, r.Frames, r.Duration.Seconds(), renderTime.Seconds(), encodeTime.Seconds(), fps,
	)
	f, err := os.OpenFile(filepath.Join(p.Config.Output.Dir, "benchmark.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(out, "[!] Не удалось записать benchmark.log: %v\n", err)
		return
	}
	f.WriteString(logEntry)
	f.Close()
}
