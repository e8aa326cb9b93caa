// Package pipeline assembles per-batch model arguments and invokes the
// image model.
package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ivlev/giffusion/internal/timeline"
	"github.com/ivlev/giffusion/internal/types"
)

// Parameter names a model accepts.
const (
	ParamHeight          = "height"
	ParamWidth           = "width"
	ParamSteps           = "num_inference_steps"
	ParamGuidanceScale   = "guidance_scale"
	ParamStrength        = "strength"
	ParamLatents         = "latents"
	ParamPromptEmbeds    = "prompt_embeds"
	ParamPrompt          = "prompt"
	ParamNegativePrompts = "negative_prompts"
	ParamImage           = "image"
	ParamGenerator       = "generator"
)

// Variant is a model family with a fixed parameter surface.
type Variant string

const (
	Text2Img Variant = "text2img"
	Img2Img  Variant = "img2img"
	Inpaint  Variant = "inpaint"
	// Custom takes its capability set from configuration.
	Custom Variant = "custom"
)

var builtin = map[Variant][]string{
	Text2Img: {
		ParamPrompt, ParamPromptEmbeds, ParamNegativePrompts,
		ParamHeight, ParamWidth, ParamSteps, ParamGuidanceScale,
		ParamLatents, ParamGenerator,
	},
	Img2Img: {
		ParamPrompt, ParamPromptEmbeds, ParamNegativePrompts,
		ParamImage, ParamStrength, ParamSteps, ParamGuidanceScale,
		ParamGenerator,
	},
	Inpaint: {
		ParamPrompt, ParamPromptEmbeds, ParamNegativePrompts,
		ParamImage, ParamStrength, ParamHeight, ParamWidth,
		ParamSteps, ParamGuidanceScale, ParamLatents, ParamGenerator,
	},
}

// Capabilities is the immutable set of parameter names a model accepts.
type Capabilities struct {
	names map[string]struct{}
}

// NewCapabilities builds a set from names.
func NewCapabilities(names ...string) Capabilities {
	c := Capabilities{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			c.names[n] = struct{}{}
		}
	}
	return c
}

// Has reports whether name is accepted.
func (c Capabilities) Has(name string) bool {
	_, ok := c.names[name]
	return ok
}

// Names returns the accepted names sorted.
func (c Capabilities) Names() []string {
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// ParseVariant validates a configured variant name.
func ParseVariant(name string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(name))); v {
	case Text2Img, Img2Img, Inpaint, Custom:
		return v, nil
	case "":
		return Text2Img, nil
	default:
		return "", fmt.Errorf("unknown model variant: %s", name)
	}
}

// CapabilitiesFor returns the declared set of v. custom lists the parameters
// of a Custom variant and is ignored otherwise.
func CapabilitiesFor(v Variant, custom []string) (Capabilities, error) {
	if v == Custom {
		if len(custom) == 0 {
			return Capabilities{}, fmt.Errorf("custom variant needs an explicit capability list")
		}
		return NewCapabilities(custom...), nil
	}
	names, ok := builtin[v]
	if !ok {
		return Capabilities{}, fmt.Errorf("unknown model variant: %s", v)
	}
	return NewCapabilities(names...), nil
}

// CheckCapabilities fails when the prompt mode has no matching parameter.
// Every other option is optional and silently omitted by BuildArgs.
func CheckCapabilities(caps Capabilities, mode timeline.Mode) error {
	switch mode {
	case timeline.Text:
		if !caps.Has(ParamPrompt) {
			return types.Errorf(types.ErrUnsupportedCapability, "text mode needs a %q parameter; model accepts %v", ParamPrompt, caps.Names())
		}
	default:
		if !caps.Has(ParamPromptEmbeds) {
			return types.Errorf(types.ErrUnsupportedCapability, "embedding mode needs a %q parameter; model accepts %v", ParamPromptEmbeds, caps.Names())
		}
	}
	return nil
}
