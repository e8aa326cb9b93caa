package source

import (
	"image"
	"sync"
)

// rgbaPool hands out RGBA scratch images by size. Pixels are not cleared, so
// callers must overwrite the whole image (ToTensor scales with draw.Src).
type rgbaPool struct {
	bySize sync.Map // image.Point -> *sync.Pool
}

var scratch rgbaPool

func (p *rgbaPool) get(size image.Point) *image.RGBA {
	v, ok := p.bySize.Load(size)
	if !ok {
		v, _ = p.bySize.LoadOrStore(size, &sync.Pool{
			New: func() any { return image.NewRGBA(image.Rectangle{Max: size}) },
		})
	}
	return v.(*sync.Pool).Get().(*image.RGBA)
}

// put keeps only images that get could have produced.
func (p *rgbaPool) put(img *image.RGBA) {
	if img == nil || img.Rect.Min != (image.Point{}) {
		return
	}
	if v, ok := p.bySize.Load(img.Rect.Size()); ok {
		v.(*sync.Pool).Put(img)
	}
}
