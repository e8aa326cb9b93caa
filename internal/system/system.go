// Package system содержит вспомогательные функции окружения: лимиты ресурсов,
// поиск входных файлов, запросы к ffprobe и отчет о потреблении памяти.
package system

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

var (
	AudioExtensions = []string{".mp3", ".wav", ".m4a", ".ogg", ".aac", ".flac"}
	VideoExtensions = []string{".mp4", ".mov", ".mkv", ".webm", ".avi", ".gif"}
	ImageExtensions = []string{".jpg", ".jpeg", ".png", ".pdf"}
)

// InitResourceLimits поднимает лимит открытых файлов: запись кадров идет
// параллельно.
func InitResourceLimits(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		logger.Warn("Не удалось получить лимит файлов", zap.Error(err))
		return
	}

	rLimit.Cur = 2048
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}

	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		logger.Warn("Не удалось установить лимит файлов", zap.Error(err))
		return
	}
	logger.Debug("Системный лимит открытых файлов увеличен", zap.Uint64("limit", uint64(rLimit.Cur)))
}

// FindLatest возвращает самый свежий файл в dir с одним из расширений exts.
// Если path указывает на файл, он возвращается как есть.
func FindLatest(path string, exts []string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return path, nil
	}

	files, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}

	var latestFile string
	var latestTime time.Time
	for _, f := range files {
		if f.IsDir() || !slices.Contains(exts, strings.ToLower(filepath.Ext(f.Name()))) {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if latestFile == "" || info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latestFile = filepath.Join(path, f.Name())
		}
	}

	if latestFile == "" {
		return "", fmt.Errorf("в папке %s не найдено файлов %s", path, strings.Join(exts, ", "))
	}
	return latestFile, nil
}

// GetMediaDuration возвращает длительность медиафайла в секундах.
func GetMediaDuration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %v, output: %s", err, string(out))
	}
	return parseFloat(string(out))
}

// GetVideoFPS возвращает среднюю частоту кадров первого видеопотока.
func GetVideoFPS(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=avg_frame_rate", "-of", "default=noprint_wrappers=1:nokey=1", path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe error: %v, output: %s", err, string(out))
	}
	return parseRate(string(out))
}

func parseFloat(s string) (float64, error) {
	var v float64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &v); err != nil {
		return 0, fmt.Errorf("не удалось разобрать число %q: %w", strings.TrimSpace(s), err)
	}
	return v, nil
}

// parseRate разбирает дробь вида "30000/1001".
func parseRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n, err := parseFloat(num)
	if err != nil {
		return 0, err
	}
	d, err := parseFloat(den)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("нулевой знаменатель частоты кадров: %s", s)
	}
	return n / d, nil
}

// GetBestH264Encoder выбирает аппаратный H.264 энкодер, если ffmpeg его
// поддерживает, иначе libx264.
func GetBestH264Encoder(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-encoders").CombinedOutput()
	if err != nil {
		return "libx264"
	}
	return pickEncoder(string(out))
}

func pickEncoder(listing string) string {
	// Приоритеты: VideoToolbox (macOS), NVENC, программный libx264
	for _, name := range []string{"h264_videotoolbox", "h264_nvenc"} {
		if strings.Contains(listing, name) {
			return name
		}
	}
	return "libx264"
}

// MemoryStats - снимок потребления памяти для отчета о производительности.
type MemoryStats struct {
	ProcessRSS  uint64
	SystemUsed  uint64
	SystemTotal uint64
	UsedPercent float64
}

// ReadMemoryStats собирает статистику процесса и системы через gopsutil.
func ReadMemoryStats(ctx context.Context) (MemoryStats, error) {
	var stats MemoryStats

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("не удалось получить память системы: %w", err)
	}
	stats.SystemUsed = vm.Used
	stats.SystemTotal = vm.Total
	stats.UsedPercent = vm.UsedPercent

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return stats, fmt.Errorf("не удалось открыть процесс: %w", err)
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("не удалось получить память процесса: %w", err)
	}
	stats.ProcessRSS = info.RSS
	return stats, nil
}

// Fields возвращает статистику в виде полей zap.
func (s MemoryStats) Fields() []zap.Field {
	return []zap.Field{
		zap.Uint64("rss_mb", s.ProcessRSS/1024/1024),
		zap.Uint64("system_used_mb", s.SystemUsed/1024/1024),
		zap.Uint64("system_total_mb", s.SystemTotal/1024/1024),
		zap.Float64("system_used_percent", s.UsedPercent),
	}
}
