package service

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	_ "github.com/gen2brain/avif"
	"github.com/krau/wd14nodes/hub"
	_ "golang.org/x/image/webp"
)

// DecodeImage decodes any registered format (jpeg, png, webp, avif), applying EXIF orientation.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}
	return img, nil
}

// prepare image for model input
func Preprocess(img image.Image, p hub.Preprocess) ([]float32, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no image", ErrInput)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInput)
	}
	if p.Size <= 0 {
		return nil, fmt.Errorf("%w: bad input size %d", ErrModelLoad, p.Size)
	}
	pad := p.Pad
	if pad == nil {
		pad = color.White
	}
	maxDim := max(h, w)

	// transparent areas end up as the pad colour
	canvas := imaging.New(maxDim, maxDim, pad)
	sq := imaging.Overlay(canvas, img, image.Pt((maxDim-w)/2, (maxDim-h)/2), 1.0)
	sq = imaging.Resize(sq, p.Size, p.Size, imaging.Lanczos)

	size := p.Size
	plane := size * size
	out := make([]float32, 3*plane)
	for y := range size {
		for x := range size {
			i := sq.PixOffset(x, y)
			rgb := [3]float32{float32(sq.Pix[i]), float32(sq.Pix[i+1]), float32(sq.Pix[i+2])}
			for k := range 3 {
				src := k
				if p.Order == hub.BGR {
					src = 2 - k
				}
				v := rgb[src]
				switch p.Norm {
				case hub.Unit:
					v /= 255
				case hub.MeanStd:
					v = (v/255 - p.Mean[src]) / p.Std[src]
				}
				if p.Layout == hub.NCHW {
					out[k*plane+y*size+x] = v
				} else {
					out[(y*size+x)*3+k] = v
				}
			}
		}
	}
	return out, nil
}
