// Package video wraps ffmpeg: encoding the generated frame sequence into the
// final GIF or MP4, and extracting the frames of a guiding video.
package video

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Format is the container of the final artifact.
type Format string

const (
	FormatGIF Format = "gif"
	FormatMP4 Format = "mp4"
)

// ParseFormat validates a configured output format. Empty means gif.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatGIF:
		return FormatGIF, nil
	case FormatMP4:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

// EncodeOptions controls a single Encode call.
type EncodeOptions struct {
	FPS       float64
	Format    Format
	Boomerang bool   // play forward then backward
	Codec     string // mp4 only, e.g. libx264 or a hardware H.264 encoder
	Quality   int    // crf / cq for mp4
	Audio     string // mp4 only, muxed and cut to the shorter stream
}

type VideoEncoder interface {
	Encode(ctx context.Context, frames []string, outPath string, opts EncodeOptions) error
}

type FFmpegEncoder struct {
	Binary string
}

func (e *FFmpegEncoder) binary() string {
	if e.Binary == "" {
		return "ffmpeg"
	}
	return e.Binary
}

// Encode writes frames (image paths, in display order) to outPath. The frame
// list is passed through the concat demuxer so the boomerang order needs no
// copies on disk.
func (e *FFmpegEncoder) Encode(ctx context.Context, frames []string, outPath string, opts EncodeOptions) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to encode")
	}
	if opts.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %v", opts.FPS)
	}
	if opts.Boomerang {
		frames = Boomerang(frames)
	}

	listPath := outPath + ".inputs.txt"
	if err := writeConcatList(listPath, frames, opts.FPS); err != nil {
		return err
	}
	defer os.Remove(listPath)

	args := buildEncodeArgs(listPath, outPath, opts)
	cmd := exec.CommandContext(ctx, e.binary(), args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg encode error: %v, output: %s", err, string(out))
	}
	return nil
}

// Boomerang appends the sequence in reverse without repeating either end
// frame, so a looping player shows a seamless back-and-forth.
func Boomerang(frames []string) []string {
	out := make([]string, 0, 2*len(frames))
	out = append(out, frames...)
	for i := len(frames) - 2; i > 0; i-- {
		out = append(out, frames[i])
	}
	return out
}

func writeConcatList(path string, frames []string, fps float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	step := 1 / fps
	for _, p := range frames {
		absPath, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(f, "file '%s'\nduration %f\n", escapeConcat(absPath), step)
	}
	// the concat demuxer ignores the duration of the last entry
	last, _ := filepath.Abs(frames[len(frames)-1])
	_, err = fmt.Fprintf(f, "file '%s'\n", escapeConcat(last))
	return err
}

func escapeConcat(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}

func buildEncodeArgs(listPath, outPath string, opts EncodeOptions) []string {
	args := []string{
		"-y", "-v", "error",
		"-f", "concat", "-safe", "0", "-i", listPath,
	}

	switch opts.Format {
	case FormatMP4:
		if opts.Audio != "" {
			args = append(args, "-i", opts.Audio, "-map", "0:v", "-map", "1:a", "-shortest")
		}
		codec := opts.Codec
		if codec == "" {
			codec = "libx264"
		}
		args = append(args, "-r", formatFPS(opts.FPS), "-c:v", codec, "-pix_fmt", "yuv420p")
		args = append(args, qualityArgs(codec, opts.Quality)...)
	default:
		args = append(args, "-filter_complex", GIFFilter(opts.FPS), "-loop", "0")
	}

	return append(args, outPath)
}

// GIFFilter builds a two-pass palette filter so the 256-color output keeps the
// generated colors instead of ffmpeg's generic palette.
func GIFFilter(fps float64) string {
	return fmt.Sprintf("fps=%s,split[s0][s1];[s0]palettegen=stats_mode=diff[p];[s1][p]paletteuse=dither=bayer:bayer_scale=5:diff_mode=rectangle", formatFPS(fps))
}

func qualityArgs(codec string, quality int) []string {
	if quality <= 0 {
		quality = 20
	}
	switch codec {
	case "h264_videotoolbox":
		// VideoToolbox не поддерживает crf, используем битрейт
		return []string{"-b:v", fmt.Sprintf("%dk", quality*100)}
	case "h264_nvenc":
		return []string{"-cq", fmt.Sprintf("%d", quality)}
	default: // libx264
		return []string{"-crf", fmt.Sprintf("%d", quality), "-preset", "medium"}
	}
}

func formatFPS(fps float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", fps), "0"), ".")
}
