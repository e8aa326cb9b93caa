package video

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// FFmpegDecoder extracts the frames of a guiding video as PNG files.
type FFmpegDecoder struct {
	Binary string
}

// Frames samples path at fps, scales every frame to width x height and writes
// them to dir as 000000.png, 000001.png, ... It returns the written paths in
// frame order.
func (d *FFmpegDecoder) Frames(ctx context.Context, path string, fps float64, width, height int, dir string) ([]string, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %v", fps)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, buildDecodeArgs(path, fps, width, height, dir)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode error: %v, output: %s", err, string(out))
	}

	frames, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frames from %s", path)
	}
	sort.Strings(frames)
	return frames, nil
}

func buildDecodeArgs(path string, fps float64, width, height int, dir string) []string {
	vf := "fps=" + formatFPS(fps)
	if width > 0 && height > 0 {
		vf += fmt.Sprintf(",scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", width, height, width, height)
	}
	return []string{
		"-y", "-v", "error",
		"-i", path,
		"-vf", vf,
		"-start_number", "0",
		filepath.Join(dir, "%06d.png"),
	}
}
