package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ivlev/giffusion/internal/config"
	"github.com/ivlev/giffusion/internal/encoder"
	"github.com/ivlev/giffusion/internal/engine"
	"github.com/ivlev/giffusion/internal/metrics"
	"github.com/ivlev/giffusion/internal/pipeline"
	"github.com/ivlev/giffusion/internal/system"
	"github.com/ivlev/giffusion/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "[-] Ошибка: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	def := config.Default()
	fs := flag.NewFlagSet("giffusion", flag.ExitOnError)

	configPtr := fs.String("config", "", "Путь к YAML-конфигурации")
	promptsPtr := fs.String("prompts", "", "Ключевые кадры: строки \"кадр: промпт\"")
	promptsFilePtr := fs.String("prompts-file", "", "Файл ключевых кадров (.yaml или построчный формат)")
	seedPtr := fs.Uint64("seed", def.Seed, "Главный seed")
	framesPtr := fs.String("frames", "", "Генерировать только эти кадры: 0,4,10-20")
	maxFramesPtr := fs.Int("max-frames", def.MaxFrames, "Предел длины таймлайна в кадрах")
	widthPtr := fs.Int("width", def.Width, "Ширина")
	heightPtr := fs.Int("height", def.Height, "Высота")
	fpsPtr := fs.Float64("fps", def.FPS, "FPS")
	workersPtr := fs.Int("workers", def.Workers, "Потоки записи кадров")
	variantPtr := fs.String("variant", def.Model.Variant, "Вариант модели: text2img, img2img, inpaint, custom")
	modelURLPtr := fs.String("model-url", def.Model.BaseURL, "Адрес сервера модели")
	encoderURLPtr := fs.String("encoder-url", def.Encoder.BaseURL, "Адрес текстового энкодера")
	stepsPtr := fs.Int("steps", def.Model.Steps, "Шаги диффузии")
	guidancePtr := fs.Float64("guidance-scale", def.Model.GuidanceScale, "Guidance scale")
	strengthPtr := fs.Float64("strength", def.Model.Strength, "Сила влияния изображения (img2img)")
	negativePtr := fs.String("negative-prompt", "", "Негативный промпт")
	pipelineArgsPtr := fs.String("pipeline-args", "", "Дополнительные аргументы модели в JSON")
	promptModePtr := fs.String("prompt-mode", def.PromptMode, "Передача промптов: embeddings или text")
	fixedLatentPtr := fs.Bool("fixed-latent", false, "Один латент на весь ролик")
	timingPtr := fs.String("timing", def.Timing.Mode, "Тайминг: uniform, eased, audio")
	easingPtr := fs.String("easing", def.Timing.Easing, "Кривая для eased: linear, ease-in-out-cubic, ease-in-out-sine")
	componentPtr := fs.String("audio-component", def.Timing.AudioComponent, "Компонента аудио: both, percussive, harmonic")
	batchPtr := fs.Int("batch-size", def.Batch.Size, "Размер пакета")
	tailPtr := fs.String("tail", def.Batch.Tail, "Неполный последний пакет: drop, pad, shrink")
	imagePtr := fs.String("image", "", "Изображение или PDF для img2img (папка: самый свежий файл)")
	pagePtr := fs.Int("page", def.Input.Page, "Страница PDF")
	videoPtr := fs.String("video", "", "Видео, папка кадров или PDF для покадрового режима")
	audioPtr := fs.String("audio", "", "Аудио (папка: самый свежий файл)")
	outputPtr := fs.String("output", def.Output.Dir, "Папка результатов")
	formatPtr := fs.String("format", def.Output.Format, "Формат: gif или mp4")
	boomerangPtr := fs.Bool("boomerang", false, "Проиграть вперед и назад")
	qrPtr := fs.Bool("qr", false, "Сохранить QR-код манифеста")
	keepFramesPtr := fs.Bool("keep-frames", false, "Сохранить PNG-кадры")
	cachePtr := fs.String("redis", "", "Адрес Redis для кэша эмбеддингов")
	trackerPtr := fs.String("tracker", "", "Путь к SQLite-журналу запусков")
	metricsAddrPtr := fs.String("metrics-addr", "", "Адрес для /metrics (Prometheus)")
	statsPtr := fs.Bool("stats", false, "Показать отчет о производительности")
	logLevelPtr := fs.String("log-level", def.Log.Level, "Уровень логов: debug, info, warn, error")
	logFormatPtr := fs.String("log-format", def.Log.Format, "Формат логов: console или json")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*configPtr)
	if err != nil {
		return err
	}

	// Флаги, заданные явно, перекрывают файл конфигурации
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "prompts":
			cfg.Prompts = *promptsPtr
		case "prompts-file":
			cfg.PromptsFile = *promptsFilePtr
		case "seed":
			cfg.Seed = *seedPtr
		case "frames":
			if cfg.Frames, err = parseFrames(*framesPtr); err != nil {
				flagErr = err
			}
		case "max-frames":
			cfg.MaxFrames = *maxFramesPtr
		case "width":
			cfg.Width = *widthPtr
		case "height":
			cfg.Height = *heightPtr
		case "fps":
			cfg.FPS = *fpsPtr
		case "workers":
			cfg.Workers = *workersPtr
		case "variant":
			cfg.Model.Variant = *variantPtr
		case "model-url":
			cfg.Model.BaseURL = *modelURLPtr
		case "encoder-url":
			cfg.Encoder.BaseURL = *encoderURLPtr
		case "steps":
			cfg.Model.Steps = *stepsPtr
		case "guidance-scale":
			cfg.Model.GuidanceScale = *guidancePtr
		case "strength":
			cfg.Model.Strength = *strengthPtr
		case "negative-prompt":
			cfg.Model.NegativePrompt = *negativePtr
		case "pipeline-args":
			args := map[string]any{}
			if err := json.Unmarshal([]byte(*pipelineArgsPtr), &args); err != nil {
				flagErr = fmt.Errorf("invalid -pipeline-args: %w", err)
				return
			}
			if cfg.Model.Args == nil {
				cfg.Model.Args = map[string]any{}
			}
			maps.Copy(cfg.Model.Args, args)
		case "prompt-mode":
			cfg.PromptMode = *promptModePtr
		case "fixed-latent":
			cfg.FixedLatent = *fixedLatentPtr
		case "timing":
			cfg.Timing.Mode = *timingPtr
		case "easing":
			cfg.Timing.Easing = *easingPtr
		case "audio-component":
			cfg.Timing.AudioComponent = *componentPtr
		case "batch-size":
			cfg.Batch.Size = *batchPtr
		case "tail":
			cfg.Batch.Tail = *tailPtr
		case "image":
			cfg.Input.Image = *imagePtr
		case "page":
			cfg.Input.Page = *pagePtr
		case "video":
			cfg.Input.Video = *videoPtr
		case "audio":
			cfg.Input.Audio = *audioPtr
		case "output":
			cfg.Output.Dir = *outputPtr
		case "format":
			cfg.Output.Format = *formatPtr
		case "boomerang":
			cfg.Output.Boomerang = *boomerangPtr
		case "qr":
			cfg.Output.QR = *qrPtr
		case "keep-frames":
			cfg.Output.KeepFrames = *keepFramesPtr
		case "redis":
			cfg.Encoder.Cache.Addr = *cachePtr
		case "tracker":
			cfg.Tracker.Path = *trackerPtr
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddrPtr
		case "stats":
			cfg.ShowStats = *statsPtr
		case "log-level":
			cfg.Log.Level = *logLevelPtr
		case "log-format":
			cfg.Log.Format = *logFormatPtr
		}
	})
	if flagErr != nil {
		return flagErr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	// Увеличиваем лимиты системы (для macOS/Linux)
	system.InitResourceLimits(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)
	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics.Addr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var enc encoder.Encoder
	if cfg.PromptMode != "text" {
		httpEnc := encoder.NewHTTPEncoder(encoder.HTTPConfig{
			BaseURL: cfg.Encoder.BaseURL,
			Model:   cfg.Encoder.Model,
			Timeout: cfg.Encoder.Timeout,
		}, logger)
		enc = httpEnc
		if cfg.Encoder.Cache.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Encoder.Cache.Addr,
				Password: cfg.Encoder.Cache.Password,
				DB:       cfg.Encoder.Cache.DB,
			})
			defer rdb.Close()
			enc = encoder.NewRedisCache(httpEnc, rdb, httpEnc.Model(), cfg.Encoder.Cache.TTL, logger)
			fmt.Printf("[*] Кэш эмбеддингов: redis://%s\n", cfg.Encoder.Cache.Addr)
		}
	}

	model := pipeline.NewHTTPModel(pipeline.HTTPConfig{
		BaseURL: cfg.Model.BaseURL,
		Timeout: cfg.Model.Timeout,
		RPS:     cfg.Model.RPS,
		Burst:   cfg.Model.Burst,
	}, logger)

	project := engine.NewProject(cfg, engine.Runtime{
		Model:   model,
		Encoder: enc,
		Logger:  logger,
		Metrics: collector,
	})

	if cfg.Tracker.Path != "" {
		db, err := tracker.OpenSQLite(cfg.Tracker.Path, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		project.Tracker = db
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Генерация"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(50),
		progressbar.OptionSetRenderBlankState(true),
	)
	project.Progress = func(done, total int) {
		bar.ChangeMax(total)
		bar.Set(done)
	}

	report, err := project.Run(ctx)
	bar.Finish()
	fmt.Println()
	if err != nil {
		return err
	}

	fmt.Printf("[+++] Успех! Результат: %s\n", report.Output)
	fmt.Printf("[*] Манифест: %s\n", report.Manifest)
	return nil
}

func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("metrics server started", zap.String("addr", addr))
	return srv
}

// parseFrames reads a comma-separated list of frame indices and inclusive
// ranges, e.g. "0,4,10-20".
func parseFrames(s string) ([]int, error) {
	var frames []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("invalid frame %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || b < a {
				return nil, fmt.Errorf("invalid frame range %q", part)
			}
		}
		for f := a; f <= b; f++ {
			frames = append(frames, f)
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames in %q", s)
	}
	return frames, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
