package source

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/ivlev/giffusion/internal/tensor"
)

// ToTensor resamples img to width x height and returns it as a [1, 3, H, W]
// tensor with channels in [0, 1].
func ToTensor(img image.Image, width, height int) *tensor.Tensor {
	rect := image.Rect(0, 0, width, height)
	dst := scratch.get(rect.Size())
	defer scratch.put(dst)
	draw.CatmullRom.Scale(dst, rect, img, img.Bounds(), draw.Src, nil)

	t := tensor.New(1, 3, height, width)
	plane := width * height
	for y := 0; y < height; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < width; x++ {
			px := row[x*4:]
			i := y*width + x
			t.Data[i] = float32(px[0]) / 255
			t.Data[plane+i] = float32(px[1]) / 255
			t.Data[2*plane+i] = float32(px[2]) / 255
		}
	}
	return t
}

// ToTensors converts every frame.
func ToTensors(frames []image.Image, width, height int) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(frames))
	for i, f := range frames {
		out[i] = ToTensor(f, width, height)
	}
	return out
}
