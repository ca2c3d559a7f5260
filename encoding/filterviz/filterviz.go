// Package filterviz renders filter banks and their binary decompositions as
// animated GIF montages: the real valued bank on top, below it one row per
// binary member, labeled with its shift and coefficient.
package filterviz

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"io"
	"math"

	"github.com/golang/freetype/truetype"
	"github.com/pkg/errors"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/math/fixed"
	"gorgonia.org/tensor"

	"github.com/gorgonia/abcnet/abc"
)

var regular *truetype.Font

const (
	dpi             = 144.0
	fontsize        = 12.0
	lineheight      = 1.2
	cellGap         = 2
	dummyLongString = `B0  shift -1.00  alpha +0.0000  epoch 100000`
)

func init() {
	var err error
	if regular, err = truetype.Parse(gomono.TTF); err != nil {
		panic(err)
	}
}

var grays = func() color.Palette {
	p := make(color.Palette, 256)
	for i := range p {
		p[i] = color.Gray{Y: uint8(i)}
	}
	return p
}()

// Encoder accumulates one montage frame per Encode call and writes an
// animated GIF on Flush. Frame geometry is fixed by the first call, so a bank
// can be watched evolving over a fine tuning run.
type Encoder struct {
	io.Writer
	font.Drawer

	out  *gif.GIF
	face font.Face

	zoom    int // nearest neighbour magnification of the tiny kernels
	maxCols int // montage column cap, wide banks render their head
	padH    int
	padW    int
	delay   int // per frame, in 100ths of a second

	h, w        int
	m           int
	bankShape   tensor.Shape
	initialized bool
}

// NewEncoder writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		Writer:  w,
		Drawer:  font.Drawer{Src: image.Black},
		out:     &gif.GIF{LoopCount: -1},
		zoom:    8,
		maxCols: 16,
		padH:    10,
		padW:    10,
		delay:   50,
	}
}

// Encode appends one frame: the bank itself, then its M binary members at the
// spread shift points. alphas may be nil; when given they label the member
// rows. Banks after the first must keep the same shape and M.
func (enc *Encoder) Encode(bank *tensor.Dense, m int, alphas []float32, caption string) error {
	if bank == nil || bank.Dims() != 4 {
		return errors.New("need an (out, in, kh, kw) filter bank")
	}
	if alphas != nil && len(alphas) != m {
		return errors.Errorf("%d alphas cannot label %d members", len(alphas), m)
	}
	members, shifts, err := abc.BinarizeFiltersOf(bank, m)
	if err != nil {
		return err
	}

	shp := bank.Shape()
	kh, kw := shp[2], shp[3]
	if !enc.initialized {
		// lazy init of the frame geometry
		enc.face = truetype.NewFace(regular, &truetype.Options{
			Size:    fontsize,
			DPI:     dpi,
			Hinting: font.HintingFull,
		})
		enc.Drawer.Face = enc.face

		cols := minInt(shp[0], enc.maxCols)
		gridW := cols*kw*enc.zoom + (cols-1)*cellGap
		maxW := maxInt(gridW, font.MeasureString(enc.Face, dummyLongString).Ceil())
		maxW = maxInt(maxW, font.MeasureString(enc.Face, caption).Ceil())

		enc.w = maxW + 2*enc.padW
		enc.h = 2*enc.padH + enc.dy() + (1+m)*(enc.dy()+cellGap+kh*enc.zoom)
		enc.m = m
		enc.bankShape = shp.Clone()
		enc.initialized = true
	}
	if m != enc.m || !shp.Eq(enc.bankShape) {
		return errors.Errorf("frame geometry changed: %v with %d members, want %v with %d", shp, m, enc.bankShape, enc.m)
	}

	im := image.NewPaletted(image.Rect(0, 0, enc.w, enc.h), grays)
	draw.Draw(im, im.Bounds(), image.White, image.ZP, draw.Src)
	enc.Dst = im

	dy := enc.dy()
	y := enc.padH

	y += dy
	enc.Dot = fixed.P(enc.padW, y)
	enc.DrawString(caption)

	y += dy
	enc.Dot = fixed.P(enc.padW, y)
	enc.DrawString("bank")
	y += cellGap
	enc.drawStrip(im, y, bank, bankPix(bank))
	y += kh * enc.zoom

	for i, member := range members {
		label := fmt.Sprintf("B%d  shift %+.2f", i, shifts[i])
		if alphas != nil {
			label += fmt.Sprintf("  alpha %+.4f", alphas[i])
		}
		y += dy
		enc.Dot = fixed.P(enc.padW, y)
		enc.DrawString(label)
		y += cellGap
		enc.drawStrip(im, y, member, memberPix)
		y += kh * enc.zoom
	}

	enc.out.Image = append(enc.out.Image, im)
	enc.out.Delay = append(enc.out.Delay, enc.delay)
	return nil
}

// Flush writes the gif into the writer.
func (enc *Encoder) Flush() error { return gif.EncodeAll(enc.Writer, enc.out) }

func (enc *Encoder) dy() int {
	return int(math.Ceil(fontsize * lineheight * dpi / 72))
}

// drawStrip renders the first input channel of every filter in a row, capped
// at maxCols.
func (enc *Encoder) drawStrip(im *image.Paletted, top int, bank *tensor.Dense, pix func(float32) uint8) {
	shp := bank.Shape()
	in, kh, kw := shp[1], shp[2], shp[3]
	cols := minInt(shp[0], enc.maxCols)
	data := f32sOf(bank)

	x := enc.padW
	for f := 0; f < cols; f++ {
		vals := data[f*in*kh*kw : f*in*kh*kw+kh*kw]
		for r := 0; r < kh; r++ {
			for c := 0; c < kw; c++ {
				v := pix(vals[r*kw+c])
				for zr := 0; zr < enc.zoom; zr++ {
					for zc := 0; zc < enc.zoom; zc++ {
						im.SetColorIndex(x+c*enc.zoom+zc, top+r*enc.zoom+zr, v)
					}
				}
			}
		}
		x += kw*enc.zoom + cellGap
	}
}

// bankPix maps the bank's value range onto the gray ramp. A flat bank renders
// mid gray.
func bankPix(bank *tensor.Dense) func(float32) uint8 {
	data := f32sOf(bank)
	lo, hi := data[0], data[0]
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi == lo {
		return func(float32) uint8 { return 128 }
	}
	scale := 255 / (hi - lo)
	return func(v float32) uint8 {
		p := (v - lo) * scale
		if p < 0 {
			p = 0
		}
		if p > 255 {
			p = 255
		}
		return uint8(p)
	}
}

// memberPix maps the ±1 members to black and white.
func memberPix(v float32) uint8 {
	if v > 0 {
		return 255
	}
	return 0
}

// Render writes a single frame montage of the bank.
func Render(w io.Writer, bank *tensor.Dense, m int, alphas []float32, caption string) error {
	enc := NewEncoder(w)
	if err := enc.Encode(bank, m, alphas, caption); err != nil {
		return err
	}
	return enc.Flush()
}

func f32sOf(t *tensor.Dense) []float32 {
	switch data := t.Data().(type) {
	case []float32:
		return data
	case float32:
		return []float32{data}
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
