package pipeline

import (
	"fmt"
	"maps"

	"github.com/ivlev/giffusion/internal/batch"
	"github.com/ivlev/giffusion/internal/tensor"
)

// Static holds the run-wide options that do not change per batch.
type Static struct {
	Height         int
	Width          int
	Steps          int
	GuidanceScale  float64
	Strength       float64
	NegativePrompt string
	// Image is a static conditioning image shaped [1, C, H, W]. Per-frame
	// video frames on the batch take precedence.
	Image *tensor.Tensor
	// Overrides are merged last and win over computed values.
	Overrides map[string]any
}

// Args is the keyword mapping sent to the model.
type Args map[string]any

// BuildArgs assembles the arguments for one batch, emitting only parameters
// in caps. It does not modify its inputs.
func BuildArgs(caps Capabilities, b *batch.Batch, static Static) (Args, error) {
	if b == nil || b.Len() == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	args := Args{}
	n := b.Len()

	if caps.Has(ParamHeight) && static.Height > 0 {
		args[ParamHeight] = static.Height
	}
	if caps.Has(ParamWidth) && static.Width > 0 {
		args[ParamWidth] = static.Width
	}
	if caps.Has(ParamSteps) && static.Steps > 0 {
		args[ParamSteps] = static.Steps
	}
	if caps.Has(ParamGuidanceScale) {
		args[ParamGuidanceScale] = static.GuidanceScale
	}
	if caps.Has(ParamStrength) {
		args[ParamStrength] = static.Strength
	}
	if caps.Has(ParamLatents) && b.Latents != nil {
		args[ParamLatents] = b.Latents
	}

	switch {
	case b.Embeds != nil && caps.Has(ParamPromptEmbeds):
		args[ParamPromptEmbeds] = b.Embeds
	case b.Embeds == nil && b.Prompts != nil && caps.Has(ParamPrompt):
		args[ParamPrompt] = append([]string(nil), b.Prompts...)
	}

	if caps.Has(ParamNegativePrompts) && static.NegativePrompt != "" {
		neg := make([]string, n)
		for i := range neg {
			neg[i] = static.NegativePrompt
		}
		args[ParamNegativePrompts] = neg
	}

	if caps.Has(ParamImage) {
		switch {
		case b.Images != nil:
			args[ParamImage] = b.Images
		case static.Image != nil:
			args[ParamImage] = tensor.Repeat(static.Image, n)
		}
	}

	if caps.Has(ParamGenerator) && b.Generators != nil {
		args[ParamGenerator] = b.Generators
	}

	maps.Copy(args, static.Overrides)
	return args, nil
}

// Unused lists configured options the model will never receive, for a
// one-time warning.
func Unused(caps Capabilities, static Static, hasVideo bool) []string {
	var out []string
	check := func(name string, configured bool) {
		if configured && !caps.Has(name) {
			out = append(out, name)
		}
	}
	check(ParamHeight, static.Height > 0)
	check(ParamWidth, static.Width > 0)
	check(ParamStrength, static.Strength > 0)
	check(ParamNegativePrompts, static.NegativePrompt != "")
	check(ParamImage, static.Image != nil || hasVideo)
	return out
}
