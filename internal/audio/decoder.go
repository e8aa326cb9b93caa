package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
)

// DefaultSampleRate is the rate tracks are decoded at for analysis.
const DefaultSampleRate = 22050

// FFmpegDecoder decodes any ffmpeg-readable audio (or the audio stream of a
// video) to mono float32 PCM.
type FFmpegDecoder struct {
	Binary     string
	SampleRate int
}

func (d *FFmpegDecoder) Decode(ctx context.Context, path string) (*Signal, error) {
	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	sr := d.SampleRate
	if sr <= 0 {
		sr = DefaultSampleRate
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", sr),
		"-f", "f32le",
		"-",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg decode error: %v, output: %s", err, stderr.String())
	}

	return &Signal{Samples: decodeF32LE(stdout.Bytes()), SampleRate: sr}, nil
}

func decodeF32LE(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
