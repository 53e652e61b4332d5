// Package raster converts a patent PDF into an ordered sequence of page
// images via go-fitz (MuPDF). Page order always matches source order and the
// page count is capped to bound downstream analysis request size.
package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"
)

const (
	// MaxPages caps rasterization; later pages rarely add figures and every
	// page inflates the analysis request payload.
	MaxPages = 15

	// renderDPI corresponds to a 1.5x scale over the 72 DPI PDF baseline.
	renderDPI = 108

	jpegQuality = 80
)

// ErrNoPages indicates the document contained no renderable pages.
var ErrNoPages = errors.New("pdf has no pages")

// PageImage is one rasterized PDF page. Index is 0-based and equals the
// page's position in the source document.
type PageImage struct {
	Index  int
	Data   []byte
	Width  int
	Height int
}

// Rasterizer renders PDF bytes into JPEG page images.
type Rasterizer struct{}

// New constructs a Rasterizer.
func New() *Rasterizer {
	return &Rasterizer{}
}

// Rasterize renders up to MaxPages pages of the given PDF, in order.
func (r *Rasterizer) Rasterize(ctx context.Context, data []byte) ([]PageImage, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	if total == 0 {
		return nil, ErrNoPages
	}
	pages := total
	if pages > MaxPages {
		pages = MaxPages
	}

	images := make([]PageImage, 0, pages)
	for i := 0; i < pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := doc.ImageDPI(i, renderDPI)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i+1, err)
		}

		bounds := img.Bounds()
		images = append(images, PageImage{
			Index:  i,
			Data:   buf.Bytes(),
			Width:  bounds.Dx(),
			Height: bounds.Dy(),
		})
	}

	return images, nil
}
