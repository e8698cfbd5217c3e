package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/bmp"
)

// Image is a width×height 8-bit grayscale raster, row major.
type Image struct {
	Width  int
	Height int
	Pixels []byte
}

// NewImage wraps the first width*height bytes of raw as a still image.
// The bytes are copied so the caller may reuse its frame buffer.
func NewImage(width, height int, raw []byte) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	size := width * height
	if len(raw) < size {
		return nil, fmt.Errorf("frame buffer holds %d bytes, need %d", len(raw), size)
	}
	pixels := make([]byte, size)
	copy(pixels, raw[:size])
	return &Image{Width: width, Height: height, Pixels: pixels}, nil
}

// FromImage converts any decoded raster into grayscale.
func FromImage(src image.Image) *Image {
	b := src.Bounds()
	out := &Image{Width: b.Dx(), Height: b.Dy(), Pixels: make([]byte, b.Dx()*b.Dy())}
	if g, ok := src.(*image.Gray); ok {
		for y := 0; y < out.Height; y++ {
			off := g.PixOffset(b.Min.X, b.Min.Y+y)
			copy(out.Pixels[y*out.Width:(y+1)*out.Width], g.Pix[off:off+out.Width])
		}
		return out
	}
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			c := color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			out.Pixels[y*out.Width+x] = c.Y
		}
	}
	return out
}

// Gray exposes the raster as an image.Gray sharing the pixel buffer.
func (i *Image) Gray() *image.Gray {
	return &image.Gray{
		Pix:    i.Pixels,
		Stride: i.Width,
		Rect:   image.Rect(0, 0, i.Width, i.Height),
	}
}

// Clone returns a deep copy.
func (i *Image) Clone() *Image {
	if i == nil {
		return nil
	}
	pixels := make([]byte, len(i.Pixels))
	copy(pixels, i.Pixels)
	return &Image{Width: i.Width, Height: i.Height, Pixels: pixels}
}

// EncodeBMP renders the image as an 8bpp BMP with an identity gray palette.
func (i *Image) EncodeBMP() ([]byte, error) {
	var buf bytes.Buffer
	if err := bmp.Encode(&buf, i.Gray()); err != nil {
		return nil, fmt.Errorf("encode bmp: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBMP parses a stored BMP into a grayscale still image.
func DecodeBMP(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode bmp: empty buffer")
	}
	img, err := bmp.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode bmp: %w", err)
	}
	return FromImage(img), nil
}
