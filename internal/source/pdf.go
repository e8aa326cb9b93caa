package source

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// PDFSource renders PDF pages as frames.
type PDFSource struct {
	doc *fitz.Document
	dpi int
}

func NewPDFSource(path string, dpi int) (*PDFSource, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	if dpi <= 0 {
		dpi = 150
	}
	return &PDFSource{doc: doc, dpi: dpi}, nil
}

func (p *PDFSource) Count() int {
	return p.doc.NumPage()
}

func (p *PDFSource) Frame(index int) (image.Image, error) {
	if index < 0 || index >= p.Count() {
		return nil, fmt.Errorf("page %d out of range", index)
	}
	return p.doc.ImageDPI(index, float64(p.dpi))
}

func (p *PDFSource) Close() error {
	return p.doc.Close()
}
