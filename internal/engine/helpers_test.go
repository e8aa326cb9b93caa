package engine

import (
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"sync"

	"github.com/ivlev/giffusion/internal/config"
	"github.com/ivlev/giffusion/internal/pipeline"
	"github.com/ivlev/giffusion/internal/schedule"
	"github.com/ivlev/giffusion/internal/tensor"
)

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Seed = 7
	cfg.Width, cfg.Height = 64, 64
	cfg.FPS = 10
	cfg.Workers = 2
	cfg.Batch.Size = 2
	cfg.Prompts = "0: a red fox\n4: a snowy owl"
	cfg.Output.Dir = dir
	return cfg
}

type fakeEncoder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEncoder) Encode(_ context.Context, prompts []string) ([]*tensor.Tensor, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([]*tensor.Tensor, len(prompts))
	for i, p := range prompts {
		h := fnv.New64a()
		_, _ = h.Write([]byte(p))
		out[i] = tensor.Randn(schedule.NewGenerator(h.Sum64()), 1, 3+len(p)%2, 8)
	}
	return out, nil
}

// fakeModel returns one solid image per batch row.
type fakeModel struct {
	mu    sync.Mutex
	calls []pipeline.Args
	err   error
	short bool
}

func (m *fakeModel) Generate(_ context.Context, _ pipeline.Variant, args pipeline.Args) ([]image.Image, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	n := rows(args)
	if m.short {
		n--
	}
	out := make([]image.Image, n)
	for i := range out {
		img := image.NewRGBA(image.Rect(0, 0, 8, 8))
		for p := 0; p < len(img.Pix); p += 4 {
			img.Pix[p], img.Pix[p+3] = uint8(40*i), 255
		}
		img.Set(0, 0, color.RGBA{G: 255, A: 255})
		out[i] = img
	}
	return out, nil
}

func (m *fakeModel) Calls() []pipeline.Args {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipeline.Args(nil), m.calls...)
}

func rows(args pipeline.Args) int {
	if t, ok := args[pipeline.ParamPromptEmbeds].(*tensor.Tensor); ok {
		return t.Shape[0]
	}
	if p, ok := args[pipeline.ParamPrompt].([]string); ok {
		return len(p)
	}
	if t, ok := args[pipeline.ParamLatents].(*tensor.Tensor); ok {
		return t.Shape[0]
	}
	return 0
}
