package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ivlev/giffusion/internal/batch"
	"github.com/ivlev/giffusion/internal/schedule"
	"github.com/ivlev/giffusion/internal/tensor"
	"github.com/ivlev/giffusion/internal/timeline"
	"github.com/ivlev/giffusion/internal/types"
)

func textBatch() *batch.Batch {
	return &batch.Batch{
		Frames:     []int{0, 1},
		Valid:      2,
		Latents:    tensor.New(2, 4),
		Prompts:    []string{"A", "A"},
		Generators: []*schedule.Generator{schedule.NewGenerator(1), schedule.NewGenerator(2)},
	}
}

func embedBatch() *batch.Batch {
	b := textBatch()
	b.Prompts = nil
	b.Embeds = tensor.New(2, 3, 4)
	return b
}

func fullStatic() Static {
	return Static{
		Height:         512,
		Width:          512,
		Steps:          50,
		GuidanceScale:  7.5,
		Strength:       0.5,
		NegativePrompt: "blurry",
		Image:          tensor.New(1, 3, 8, 8),
	}
}

func TestBuildArgs_OnlyAcceptedKeys(t *testing.T) {
	caps := NewCapabilities("prompt", "latents")

	for _, b := range []*batch.Batch{textBatch(), embedBatch()} {
		b.Images = tensor.New(2, 3, 8, 8)
		args, err := BuildArgs(caps, b, fullStatic())
		require.NoError(t, err)
		assert.NotContains(t, args, ParamPromptEmbeds)
		assert.NotContains(t, args, ParamImage)
		assert.NotContains(t, args, ParamNegativePrompts)
		assert.NotContains(t, args, ParamHeight)
		assert.Contains(t, args, ParamLatents)
	}

	args, err := BuildArgs(caps, textBatch(), fullStatic())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "A"}, args[ParamPrompt])
	assert.Len(t, args, 2)
}

func TestBuildArgs_Text2Img(t *testing.T) {
	caps, err := CapabilitiesFor(Text2Img, nil)
	require.NoError(t, err)

	b := embedBatch()
	args, err := BuildArgs(caps, b, fullStatic())
	require.NoError(t, err)

	assert.Same(t, b.Embeds, args[ParamPromptEmbeds])
	assert.NotContains(t, args, ParamPrompt)
	assert.Equal(t, 512, args[ParamHeight])
	assert.Equal(t, 50, args[ParamSteps])
	assert.Equal(t, 7.5, args[ParamGuidanceScale])
	assert.Equal(t, []string{"blurry", "blurry"}, args[ParamNegativePrompts])
	assert.Equal(t, b.Generators, args[ParamGenerator])
	assert.NotContains(t, args, ParamImage)
	assert.NotContains(t, args, ParamStrength)
}

func TestBuildArgs_ImagePrecedence(t *testing.T) {
	caps, err := CapabilitiesFor(Img2Img, nil)
	require.NoError(t, err)

	b := textBatch()
	args, err := BuildArgs(caps, b, fullStatic())
	require.NoError(t, err)
	img := args[ParamImage].(*tensor.Tensor)
	assert.Equal(t, []int{2, 3, 8, 8}, img.Shape)
	assert.Equal(t, 0.5, args[ParamStrength])
	assert.NotContains(t, args, ParamLatents)

	b.Images = tensor.New(2, 3, 8, 8)
	args, err = BuildArgs(caps, b, fullStatic())
	require.NoError(t, err)
	assert.Same(t, b.Images, args[ParamImage])
}

func TestBuildArgs_OverridesWin(t *testing.T) {
	caps, err := CapabilitiesFor(Text2Img, nil)
	require.NoError(t, err)

	static := fullStatic()
	static.Overrides = map[string]any{"guidance_scale": 12.0, "eta": 0.1}
	args, err := BuildArgs(caps, textBatch(), static)
	require.NoError(t, err)
	assert.Equal(t, 12.0, args[ParamGuidanceScale])
	assert.Equal(t, 0.1, args["eta"])
	assert.Equal(t, 7.5, static.GuidanceScale)
}

func TestBuildArgs_EmptyBatch(t *testing.T) {
	_, err := BuildArgs(NewCapabilities("prompt"), nil, Static{})
	assert.Error(t, err)
	_, err = BuildArgs(NewCapabilities("prompt"), &batch.Batch{}, Static{})
	assert.Error(t, err)
}

func TestBuildArgs_Property(t *testing.T) {
	all := []string{ParamHeight, ParamWidth, ParamSteps, ParamGuidanceScale, ParamStrength, ParamLatents,
		ParamPromptEmbeds, ParamPrompt, ParamNegativePrompts, ParamImage, ParamGenerator}
	rapid.Check(t, func(rt *rapid.T) {
		names := rapid.SliceOfDistinct(rapid.SampledFrom(all), rapid.ID[string]).Draw(rt, "caps")
		caps := NewCapabilities(names...)
		b := textBatch()
		if rapid.Bool().Draw(rt, "embeds") {
			b = embedBatch()
		}
		if rapid.Bool().Draw(rt, "video") {
			b.Images = tensor.New(2, 3, 8, 8)
		}

		args, err := BuildArgs(caps, b, fullStatic())
		if err != nil {
			rt.Fatal(err)
		}
		for k := range args {
			if !slices.Contains(names, k) {
				rt.Fatalf("emitted %q outside %v", k, names)
			}
		}
		_, hasEmbeds := args[ParamPromptEmbeds]
		_, hasPrompt := args[ParamPrompt]
		if hasEmbeds && hasPrompt {
			rt.Fatalf("both prompt and prompt_embeds emitted")
		}
	})
}

func TestCheckCapabilities(t *testing.T) {
	textOnly := NewCapabilities("prompt", "latents")
	assert.NoError(t, CheckCapabilities(textOnly, timeline.Text))
	err := CheckCapabilities(textOnly, timeline.Embeddings)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedCapability))

	embedOnly := NewCapabilities("prompt_embeds")
	assert.NoError(t, CheckCapabilities(embedOnly, timeline.Embeddings))
	err = CheckCapabilities(embedOnly, timeline.Text)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedCapability))
}

func TestCapabilitiesFor(t *testing.T) {
	caps, err := CapabilitiesFor(Custom, []string{"prompt", " image ", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"image", "prompt"}, caps.Names())

	_, err = CapabilitiesFor(Custom, nil)
	assert.Error(t, err)

	_, err = CapabilitiesFor("sdxl", nil)
	assert.Error(t, err)

	v, err := ParseVariant("IMG2IMG")
	require.NoError(t, err)
	assert.Equal(t, Img2Img, v)
	_, err = ParseVariant("video")
	assert.Error(t, err)
}

func TestUnused(t *testing.T) {
	caps := NewCapabilities("prompt", "latents", "height")
	got := Unused(caps, fullStatic(), false)
	assert.Equal(t, []string{ParamWidth, ParamStrength, ParamNegativePrompts, ParamImage}, got)
	assert.Empty(t, Unused(caps, Static{Height: 64}, false))
}

func pngBase64(t *testing.T, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < 16; i++ {
		img.Set(i%4, i/4, c)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestHTTPModel_Generate(t *testing.T) {
	red := pngBase64(t, color.RGBA{R: 255, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/generate", r.URL.Path)
		var req struct {
			Variant string                     `json:"variant"`
			Args    map[string]json.RawMessage `json:"args"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text2img", req.Variant)
		assert.JSONEq(t, `[1,2]`, string(req.Args["generator"]))

		var latents tensor.Tensor
		assert.NoError(t, json.Unmarshal(req.Args["latents"], &latents))
		assert.Equal(t, []int{2, 4}, latents.Shape)

		_ = json.NewEncoder(w).Encode(generateResponse{Images: []string{red, red}})
	}))
	defer srv.Close()

	caps, err := CapabilitiesFor(Text2Img, nil)
	require.NoError(t, err)
	args, err := BuildArgs(caps, textBatch(), fullStatic())
	require.NoError(t, err)

	m := NewHTTPModel(HTTPConfig{BaseURL: srv.URL, RPS: 100, Burst: 2}, nil)
	imgs, err := m.Generate(context.Background(), Text2Img, args)
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	r, _, _, _ := imgs[1].At(2, 2).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}

func TestHTTPModel_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewHTTPModel(HTTPConfig{BaseURL: srv.URL}, nil)
	_, err := m.Generate(context.Background(), Text2Img, Args{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"images":["not base64!"]}`))
	}))
	defer garbage.Close()
	_, err = NewHTTPModel(HTTPConfig{BaseURL: garbage.URL}, nil).Generate(context.Background(), Text2Img, Args{})
	assert.Error(t, err)
}

func TestHTTPModel_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"images":[]}`))
	}))
	defer srv.Close()

	m := NewHTTPModel(HTTPConfig{BaseURL: srv.URL, RPS: 0.01, Burst: 1}, nil)
	_, err := m.Generate(context.Background(), Text2Img, Args{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Generate(ctx, Text2Img, Args{})
	assert.Error(t, err)
}
