// Package source loads conditioning images: a single image, an image
// sequence, or the pages of a PDF.
package source

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
)

// Source is an indexed sequence of images.
type Source interface {
	Count() int
	Frame(index int) (image.Image, error)
	Close() error
}

// Open picks a source for path: a PDF document, a directory of images, or a
// single image file.
func Open(path string, dpi int) (Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() && strings.EqualFold(filepath.Ext(path), ".pdf") {
		return NewPDFSource(path, dpi)
	}
	return NewImageSource(path)
}

// LoadImage returns a single frame of path. page is 1-based and only
// matters for multi-frame sources.
func LoadImage(path string, page, dpi int) (image.Image, error) {
	src, err := Open(path, dpi)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if page < 1 {
		page = 1
	}
	if page > src.Count() {
		return nil, fmt.Errorf("%s has %d pages, asked for page %d", path, src.Count(), page)
	}
	return src.Frame(page - 1)
}

// LoadAll reads every frame of src in order.
func LoadAll(src Source) ([]image.Image, error) {
	out := make([]image.Image, src.Count())
	for i := range out {
		img, err := src.Frame(i)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		out[i] = img
	}
	return out, nil
}
